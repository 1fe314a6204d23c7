package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Abhinav21110/deployify/internal/domain"
)

const (
	vercelAPIBase      = "https://api.vercel.com"
	vercelPollInterval = 2 * time.Second
	vercelPollBound    = 60 * time.Second
)

// Vercel deploys artifact directories as inline file manifests through the
// Vercel API, polling until the deployment settles.
type Vercel struct {
	baseURL      string
	client       *http.Client
	logger       *slog.Logger
	pollInterval time.Duration
	pollBound    time.Duration
}

// NewVercel constructs the adapter. baseURL overrides the API host for tests;
// empty means production.
func NewVercel(logger *slog.Logger, baseURL string) *Vercel {
	if baseURL == "" {
		baseURL = vercelAPIBase
	}
	return &Vercel{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{},
		logger:       logger,
		pollInterval: vercelPollInterval,
		pollBound:    vercelPollBound,
	}
}

func (v *Vercel) Kind() string { return KindVercel }

func (v *Vercel) Capabilities() Capabilities {
	return Capabilities{
		SupportsFreeTier:         true,
		MaxArtifactMB:            250,
		SupportedProjectTypes:    []string{domain.TypeStatic, domain.TypeSPA, domain.TypeSSR},
		RequiredCredentialFields: []string{"token"},
		RequiredConfigFields:     []string{"name"},
		OptionalConfigFields:     []string{"build_command", "build_directory", "env_vars"},
	}
}

func (v *Vercel) authHeaders(creds Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds["token"]}
}

// withTeam appends the credential's team id to an API path when present.
func (v *Vercel) withTeam(path string, creds Credentials) string {
	teamID := strings.TrimSpace(creds["team_id"])
	if teamID == "" {
		return v.baseURL + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return v.baseURL + path + sep + "teamId=" + url.QueryEscape(teamID)
}

// Validate checks the token against the Vercel user endpoint.
func (v *Vercel) Validate(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds["token"]) == "" {
		return domain.E(domain.KindInvalidCredential, "vercel credential missing token")
	}
	status, _, err := getJSON(ctx, v.client, v.withTeam("/v2/user", creds), v.authHeaders(creds))
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "vercel validation unavailable")
	}
	if status != http.StatusOK {
		return domain.E(domain.KindInvalidCredential, "vercel rejected token with status %d", status)
	}
	return nil
}

type vercelFile struct {
	File     string `json:"file"`
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

type vercelDeployment struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
	ErrorMsg   string `json:"errorMessage"`
}

// Deploy posts the file manifest and polls until READY or ERROR.
func (v *Vercel) Deploy(ctx context.Context, artifactDir string, cfg domain.DeployConfig, creds Credentials) (Deployment, error) {
	files, err := collectFiles(artifactDir)
	if err != nil {
		return Deployment{}, domain.Wrap(domain.KindDeploy, err, "package artifact")
	}

	payload := map[string]any{
		"name":   sanitizeSiteName(cfg.Name),
		"files":  files,
		"target": "production",
	}
	settings := map[string]any{"framework": nil}
	if cfg.BuildCommand != "" {
		settings["buildCommand"] = cfg.BuildCommand
	}
	if cfg.BuildDirectory != "" && cfg.BuildDirectory != "." {
		settings["outputDirectory"] = cfg.BuildDirectory
	}
	payload["projectSettings"] = settings
	if projectID := strings.TrimSpace(creds["project_id"]); projectID != "" {
		payload["project"] = projectID
	}

	status, raw, err := postJSON(ctx, v.client, http.MethodPost, v.withTeam("/v13/deployments", creds), v.authHeaders(creds), payload)
	if err != nil {
		return Deployment{}, domain.Wrap(domain.KindTransient, err, "vercel deployment create")
	}
	if status >= http.StatusInternalServerError {
		return Deployment{}, domain.E(domain.KindTransient, "vercel deployment create failed with status %d: %s", status, truncate(raw))
	}
	if status >= http.StatusBadRequest {
		return Deployment{}, domain.E(domain.KindDeploy, "vercel rejected deployment with status %d: %s", status, truncate(raw))
	}
	var created vercelDeployment
	if err := json.Unmarshal(raw, &created); err != nil {
		return Deployment{}, domain.Wrap(domain.KindDeploy, err, "decode vercel deployment response")
	}

	settled, err := v.waitReady(ctx, created.ID, creds)
	if err != nil {
		return Deployment{}, err
	}
	liveURL := settled.URL
	if liveURL != "" && !strings.HasPrefix(liveURL, "http") {
		liveURL = "https://" + liveURL
	}
	return Deployment{
		ID:       settled.ID,
		URL:      liveURL,
		Metadata: map[string]any{"ready_state": settled.ReadyState},
	}, nil
}

// waitReady polls deployment state at a fixed cadence until READY, ERROR, or
// the poll bound elapses. A deployment still building at the bound is
// reported as a transient failure so the job layer may retry.
func (v *Vercel) waitReady(ctx context.Context, id string, creds Credentials) (vercelDeployment, error) {
	var latest vercelDeployment
	backoff := retry.WithMaxDuration(v.pollBound, retry.NewConstant(v.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, raw, err := getJSON(ctx, v.client, v.withTeam("/v13/deployments/"+id, creds), v.authHeaders(creds))
		if err != nil {
			return retry.RetryableError(err)
		}
		if status != http.StatusOK {
			return retry.RetryableError(fmt.Errorf("vercel status returned %d", status))
		}
		if err := json.Unmarshal(raw, &latest); err != nil {
			return fmt.Errorf("decode vercel status: %w", err)
		}
		switch latest.ReadyState {
		case "READY":
			return nil
		case "ERROR", "CANCELED":
			return fmt.Errorf("deployment ended in state %s: %s", latest.ReadyState, latest.ErrorMsg)
		}
		return retry.RetryableError(fmt.Errorf("deployment in state %s", latest.ReadyState))
	})
	if err != nil {
		if latest.ReadyState == "ERROR" || latest.ReadyState == "CANCELED" {
			return latest, domain.Wrap(domain.KindDeploy, err, "vercel deployment failed")
		}
		return latest, domain.Wrap(domain.KindTransient, err, "vercel deployment did not settle")
	}
	return latest, nil
}

// Status maps Vercel ready states onto the uniform contract.
func (v *Vercel) Status(ctx context.Context, deploymentID string, creds Credentials) (Status, error) {
	status, raw, err := getJSON(ctx, v.client, v.withTeam("/v13/deployments/"+deploymentID, creds), v.authHeaders(creds))
	if err != nil {
		return Status{}, domain.Wrap(domain.KindTransient, err, "vercel status")
	}
	if status == http.StatusNotFound {
		return Status{}, domain.E(domain.KindNotFound, "vercel deployment %s not found", deploymentID)
	}
	if status != http.StatusOK {
		return Status{}, domain.E(domain.KindDeploy, "vercel status returned %d", status)
	}
	var deployment vercelDeployment
	if err := json.Unmarshal(raw, &deployment); err != nil {
		return Status{}, domain.Wrap(domain.KindDeploy, err, "decode vercel status")
	}
	out := Status{Error: deployment.ErrorMsg}
	if deployment.URL != "" {
		out.URL = "https://" + strings.TrimPrefix(deployment.URL, "https://")
	}
	switch deployment.ReadyState {
	case "READY":
		out.State = StatusSuccess
	case "BUILDING":
		out.State = StatusBuilding
	case "ERROR", "CANCELED":
		out.State = StatusFailed
	default:
		out.State = StatusPending
	}
	return out, nil
}

// Delete removes a deployment, best-effort compensation after cancellation.
func (v *Vercel) Delete(ctx context.Context, deploymentID string, creds Credentials) error {
	status, raw, err := postJSON(ctx, v.client, http.MethodDelete, v.withTeam("/v13/deployments/"+deploymentID, creds), v.authHeaders(creds), nil)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "vercel delete")
	}
	if status >= http.StatusBadRequest && status != http.StatusNotFound {
		return domain.E(domain.KindDeploy, "vercel delete returned %d: %s", status, truncate(raw))
	}
	return nil
}

// collectFiles reads every regular file under dir into the Vercel inline
// manifest form with base64 contents.
func collectFiles(dir string) ([]vercelFile, error) {
	var files []vercelFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, vercelFile{
			File:     filepath.ToSlash(rel),
			Data:     base64.StdEncoding.EncodeToString(raw),
			Encoding: "base64",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("artifact directory %s holds no files", dir)
	}
	return files, nil
}
