package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/provider"
	"github.com/Abhinav21110/deployify/internal/repository"
	"github.com/Abhinav21110/deployify/pkg/crypto"
)

// Service is the credential vault: encrypted at-rest storage of provider
// secrets plus validation against the provider APIs. Plaintext credentials
// never reach logs or deployment records.
type Service struct {
	repo      repository.CredentialRepository
	providers *provider.Registry
	key       []byte
	logger    *slog.Logger
}

// New constructs the vault. Empty key material switches to an ephemeral
// random key: the documented degraded mode where stored credentials do not
// survive a restart.
func New(repo repository.CredentialRepository, providers *provider.Registry, keyMaterial string, logger *slog.Logger) (*Service, error) {
	var key []byte
	if strings.TrimSpace(keyMaterial) == "" {
		generated, err := crypto.RandomKey()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral vault key: %w", err)
		}
		key = generated
		logger.Warn("no encryption key configured; using an ephemeral key, stored credentials will not decrypt after restart")
	} else {
		decoded, err := crypto.DecodeKeyMaterial(keyMaterial)
		if err != nil {
			return nil, fmt.Errorf("decode vault key: %w", err)
		}
		key = decoded
	}
	return &Service{repo: repo, providers: providers, key: key, logger: logger}, nil
}

// CreateInput carries the fields of a vault create call.
type CreateInput struct {
	Owner       string
	Provider    string
	Name        string
	Credentials map[string]string
}

// Create validates the secret against the provider, encrypts it, and
// persists the credential. One active credential per (owner, provider).
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Credential, error) {
	adapter, ok := s.providers.Get(in.Provider)
	if !ok {
		return domain.Credential{}, domain.E(domain.KindValidation, "unknown provider %q", in.Provider)
	}
	if err := requireFields(adapter, in.Credentials); err != nil {
		return domain.Credential{}, err
	}
	if err := adapter.Validate(ctx, provider.Credentials(in.Credentials)); err != nil {
		return domain.Credential{}, err
	}

	ciphertext, err := s.seal(in.Credentials)
	if err != nil {
		return domain.Credential{}, err
	}
	now := time.Now().UTC()
	credential := domain.Credential{
		ID:              uuid.NewString(),
		Owner:           in.Owner,
		Provider:        in.Provider,
		Name:            in.Name,
		Ciphertext:      ciphertext,
		IsActive:        true,
		IsValid:         true,
		LastValidatedAt: &now,
		CreatedAt:       now,
	}
	if err := s.repo.CreateCredential(ctx, &credential); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.Credential{}, domain.E(domain.KindConflict,
				"an active %s credential already exists for %s", in.Provider, in.Owner)
		}
		return domain.Credential{}, err
	}
	s.logger.Info("credential stored", "credential_id", credential.ID, "provider", credential.Provider)
	return credential, nil
}

// List returns an owner's credentials without ciphertext.
func (s *Service) List(ctx context.Context, owner string) ([]domain.CredentialSummary, error) {
	credentials, err := s.repo.ListCredentialsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.CredentialSummary, 0, len(credentials))
	for _, c := range credentials {
		summaries = append(summaries, c.Summary())
	}
	return summaries, nil
}

// GetDecrypted returns the plaintext credential record. An owner argument, if
// non-empty, must match; inactive credentials are refused.
func (s *Service) GetDecrypted(ctx context.Context, id, owner string) (provider.Credentials, error) {
	credential, err := s.lookup(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if !credential.IsActive {
		return nil, domain.E(domain.KindInvalidCredential, "credential %s is inactive", id)
	}
	return s.open(credential.Ciphertext)
}

// ForProvider decrypts a pinned credential only when it is active and
// matches the chosen provider; mismatches report as missing so the caller
// can fall back to FirstActive.
func (s *Service) ForProvider(ctx context.Context, id, providerKind string) (provider.Credentials, error) {
	credential, err := s.lookup(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if !credential.IsActive || credential.Provider != providerKind {
		return nil, domain.E(domain.KindMissingCredential,
			"credential %s is not an active %s credential", id, providerKind)
	}
	return s.open(credential.Ciphertext)
}

// FirstActive returns the oldest active credential for a provider, decrypted.
// Used when a deployment did not pin a credential.
func (s *Service) FirstActive(ctx context.Context, providerKind string) (string, provider.Credentials, error) {
	credential, err := s.repo.FirstActiveCredential(ctx, providerKind)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, domain.E(domain.KindMissingCredential, "no active credential for provider %s", providerKind)
		}
		return "", nil, err
	}
	plaintext, err := s.open(credential.Ciphertext)
	if err != nil {
		return "", nil, err
	}
	return credential.ID, plaintext, nil
}

// UpdateInput carries the mutable credential fields; nil means unchanged.
type UpdateInput struct {
	Name        *string
	IsActive    *bool
	Credentials map[string]string
}

// Update mutates a credential. Replacing the secret revalidates and
// re-encrypts atomically; validity fields track the validation outcome.
func (s *Service) Update(ctx context.Context, id, owner string, in UpdateInput) (domain.Credential, error) {
	credential, err := s.lookup(ctx, id, owner)
	if err != nil {
		return domain.Credential{}, err
	}
	if in.Name != nil {
		credential.Name = *in.Name
	}
	if in.IsActive != nil {
		credential.IsActive = *in.IsActive
	}
	if in.Credentials != nil {
		adapter, ok := s.providers.Get(credential.Provider)
		if !ok {
			return domain.Credential{}, domain.E(domain.KindValidation, "provider %q no longer registered", credential.Provider)
		}
		if err := requireFields(adapter, in.Credentials); err != nil {
			return domain.Credential{}, err
		}
		if err := adapter.Validate(ctx, provider.Credentials(in.Credentials)); err != nil {
			return domain.Credential{}, err
		}
		ciphertext, err := s.seal(in.Credentials)
		if err != nil {
			return domain.Credential{}, err
		}
		now := time.Now().UTC()
		credential.Ciphertext = ciphertext
		credential.IsValid = true
		credential.LastValidatedAt = &now
	}
	if err := s.repo.UpdateCredential(ctx, credential); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.Credential{}, domain.E(domain.KindConflict,
				"an active %s credential already exists for %s", credential.Provider, credential.Owner)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Credential{}, domain.E(domain.KindNotFound, "credential %s not found", id)
		}
		return domain.Credential{}, err
	}
	return *credential, nil
}

// Delete hard-deletes a credential.
func (s *Service) Delete(ctx context.Context, id, owner string) error {
	if err := s.repo.DeleteCredential(ctx, id, owner); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.E(domain.KindNotFound, "credential %s not found", id)
		}
		return err
	}
	s.logger.Info("credential deleted", "credential_id", id)
	return nil
}

// ValidationResult reports a provider validation call.
type ValidationResult struct {
	IsValid bool   `json:"is_valid"`
	Error   string `json:"error,omitempty"`
}

// Validate re-checks a credential against its provider and persists the
// outcome. Network-class failures leave is_valid untouched.
func (s *Service) Validate(ctx context.Context, id string) (ValidationResult, error) {
	credential, err := s.lookup(ctx, id, "")
	if err != nil {
		return ValidationResult{}, err
	}
	adapter, ok := s.providers.Get(credential.Provider)
	if !ok {
		return ValidationResult{}, domain.E(domain.KindValidation, "provider %q no longer registered", credential.Provider)
	}
	plaintext, err := s.open(credential.Ciphertext)
	if err != nil {
		return ValidationResult{}, err
	}

	validationErr := adapter.Validate(ctx, plaintext)
	if validationErr != nil && domain.KindOf(validationErr) == domain.KindTransient {
		return ValidationResult{}, validationErr
	}
	isValid := validationErr == nil
	if err := s.repo.SetCredentialValidity(ctx, id, isValid, time.Now().UTC()); err != nil {
		return ValidationResult{}, err
	}
	result := ValidationResult{IsValid: isValid}
	if validationErr != nil {
		result.Error = validationErr.Error()
	}
	return result, nil
}

func (s *Service) lookup(ctx context.Context, id, owner string) (*domain.Credential, error) {
	credential, err := s.repo.GetCredentialByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.E(domain.KindNotFound, "credential %s not found", id)
		}
		return nil, err
	}
	if owner != "" && credential.Owner != owner {
		return nil, domain.E(domain.KindNotFound, "credential %s not found", id)
	}
	return credential, nil
}

func (s *Service) seal(fields map[string]string) (string, error) {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal credential record: %w", err)
	}
	ciphertext, err := crypto.Encrypt(s.key, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	return ciphertext, nil
}

func (s *Service) open(ciphertext string) (provider.Credentials, error) {
	plaintext, err := crypto.Decrypt(s.key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal credential record: %w", err)
	}
	return provider.Credentials(fields), nil
}

func requireFields(adapter provider.Adapter, fields map[string]string) error {
	for _, required := range adapter.Capabilities().RequiredCredentialFields {
		if strings.TrimSpace(fields[required]) == "" {
			return domain.E(domain.KindValidation, "credential field %q is required for %s", required, adapter.Kind())
		}
	}
	return nil
}
