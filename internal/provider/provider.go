package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Abhinav21110/deployify/internal/domain"
)

// Provider kinds. The set is closed; registration is a compile-time list.
const (
	KindNetlify = "netlify"
	KindVercel  = "vercel"
)

// Credentials is a decrypted provider-specific credential record.
type Credentials map[string]string

// Capabilities advertises what an adapter can host.
type Capabilities struct {
	SupportsFreeTier         bool     `json:"supports_free_tier"`
	MaxArtifactMB            float64  `json:"max_artifact_mb"`
	SupportedProjectTypes    []string `json:"supported_project_types"`
	RequiredCredentialFields []string `json:"required_credential_fields"`
	RequiredConfigFields     []string `json:"required_config_fields"`
	OptionalConfigFields     []string `json:"optional_config_fields"`
}

// Deployment is the provider-side result of an upload.
type Deployment struct {
	ID         string         `json:"deployment_id"`
	URL        string         `json:"url"`
	PreviewURL string         `json:"preview_url,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Provider-side deployment states.
const (
	StatusPending  = "pending"
	StatusBuilding = "building"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

// Status reports the provider-side state of a deployment.
type Status struct {
	State string   `json:"status"`
	URL   string   `json:"url,omitempty"`
	Error string   `json:"error,omitempty"`
	Logs  []string `json:"logs,omitempty"`
}

// Adapter is the uniform provider contract. Adapters hold no per-call state;
// all context arrives in arguments.
type Adapter interface {
	Kind() string
	Capabilities() Capabilities
	Validate(ctx context.Context, creds Credentials) error
	Deploy(ctx context.Context, artifactDir string, cfg domain.DeployConfig, creds Credentials) (Deployment, error)
	Status(ctx context.Context, deploymentID string, creds Credentials) (Status, error)
	Delete(ctx context.Context, deploymentID string, creds Credentials) error
}

// Registry is the ordered, closed set of registered adapters. Registration
// order breaks recommendation ties.
type Registry struct {
	adapters []Adapter
}

// NewRegistry builds a registry from an explicit adapter list.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Kind() == kind {
			return a, true
		}
	}
	return nil, false
}

// Adapters returns the adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		kinds = append(kinds, a.Kind())
	}
	return kinds
}

const apiTimeout = 30 * time.Second

// getJSON issues an authenticated GET with bounded retries on network errors
// and 5xx responses. 4xx responses return without retry.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string) (int, []byte, error) {
	var status int
	var body []byte
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, apiTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)))
		}
		status = resp.StatusCode
		body = raw
		return nil
	})
	return status, body, err
}

// postJSON issues a request once; callers own retry policy for mutations.
func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func truncate(raw []byte) string {
	const limit = 512
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
