package domain

import "time"

// Credential stores an encrypted provider secret. Ciphertext is the
// "<hex-nonce>:<hex-ciphertext>" wire form; plaintext never leaves the vault.
type Credential struct {
	ID              string
	Owner           string
	Provider        string
	Name            string
	Ciphertext      string
	IsActive        bool
	IsValid         bool
	LastValidatedAt *time.Time
	CreatedAt       time.Time
}

// CredentialSummary is the listing view; it omits ciphertext.
type CredentialSummary struct {
	ID              string     `json:"id"`
	Provider        string     `json:"provider"`
	Name            string     `json:"name"`
	IsActive        bool       `json:"is_active"`
	IsValid         bool       `json:"is_valid"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Summary strips the ciphertext from a credential.
func (c Credential) Summary() CredentialSummary {
	return CredentialSummary{
		ID:              c.ID,
		Provider:        c.Provider,
		Name:            c.Name,
		IsActive:        c.IsActive,
		IsValid:         c.IsValid,
		LastValidatedAt: c.LastValidatedAt,
		CreatedAt:       c.CreatedAt,
	}
}
