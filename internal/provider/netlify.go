package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Abhinav21110/deployify/internal/domain"
)

const netlifyAPIBase = "https://api.netlify.com"

// Netlify deploys zipped artifact directories through the Netlify API.
type Netlify struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewNetlify constructs the adapter. baseURL overrides the API host for tests;
// empty means production.
func NewNetlify(logger *slog.Logger, baseURL string) *Netlify {
	if baseURL == "" {
		baseURL = netlifyAPIBase
	}
	return &Netlify{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger,
	}
}

func (n *Netlify) Kind() string { return KindNetlify }

func (n *Netlify) Capabilities() Capabilities {
	return Capabilities{
		SupportsFreeTier:         true,
		MaxArtifactMB:            100,
		SupportedProjectTypes:    []string{domain.TypeStatic, domain.TypeSPA},
		RequiredCredentialFields: []string{"access_token"},
		RequiredConfigFields:     []string{"name"},
		OptionalConfigFields:     []string{"build_command", "build_directory", "env_vars"},
	}
}

func (n *Netlify) authHeaders(creds Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds["access_token"]}
}

// Validate checks the token against the Netlify user endpoint.
func (n *Netlify) Validate(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds["access_token"]) == "" {
		return domain.E(domain.KindInvalidCredential, "netlify credential missing access_token")
	}
	status, _, err := getJSON(ctx, n.client, n.baseURL+"/api/v1/user", n.authHeaders(creds))
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "netlify validation unavailable")
	}
	if status != http.StatusOK {
		return domain.E(domain.KindInvalidCredential, "netlify rejected token with status %d", status)
	}
	return nil
}

type netlifySite struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type netlifyDeploy struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	URL          string `json:"url"`
	SSLURL       string `json:"ssl_url"`
	DeploySSLURL string `json:"deploy_ssl_url"`
	ErrorMessage string `json:"error_message"`
}

// Deploy zips the artifact directory and uploads it to a site's deploys
// endpoint, creating the site first unless the credential pins one.
func (n *Netlify) Deploy(ctx context.Context, artifactDir string, cfg domain.DeployConfig, creds Credentials) (Deployment, error) {
	siteID := strings.TrimSpace(creds["site_id"])
	if siteID == "" {
		site, err := n.createSite(ctx, cfg.Name, creds)
		if err != nil {
			return Deployment{}, err
		}
		siteID = site.ID
	}

	archive, err := zipDirectory(artifactDir)
	if err != nil {
		return Deployment{}, domain.Wrap(domain.KindDeploy, err, "package artifact")
	}

	url := fmt.Sprintf("%s/api/v1/sites/%s/deploys", n.baseURL, siteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(archive))
	if err != nil {
		return Deployment{}, domain.Wrap(domain.KindDeploy, err, "build upload request")
	}
	req.Header.Set("Authorization", "Bearer "+creds["access_token"])
	req.Header.Set("Content-Type", "application/zip")

	resp, err := n.client.Do(req)
	if err != nil {
		return Deployment{}, domain.Wrap(domain.KindTransient, err, "netlify upload")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= http.StatusInternalServerError {
		return Deployment{}, domain.E(domain.KindTransient, "netlify upload failed with status %d: %s", resp.StatusCode, truncate(raw))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Deployment{}, domain.E(domain.KindDeploy, "netlify rejected upload with status %d: %s", resp.StatusCode, truncate(raw))
	}

	var deploy netlifyDeploy
	if err := json.Unmarshal(raw, &deploy); err != nil {
		return Deployment{}, domain.Wrap(domain.KindDeploy, err, "decode netlify deploy response")
	}
	liveURL := deploy.SSLURL
	if liveURL == "" {
		liveURL = deploy.URL
	}
	return Deployment{
		ID:         deploy.ID,
		URL:        liveURL,
		PreviewURL: deploy.DeploySSLURL,
		Metadata:   map[string]any{"site_id": siteID, "state": deploy.State},
	}, nil
}

func (n *Netlify) createSite(ctx context.Context, name string, creds Credentials) (netlifySite, error) {
	payload := map[string]string{"name": sanitizeSiteName(name)}
	status, raw, err := postJSON(ctx, n.client, http.MethodPost, n.baseURL+"/api/v1/sites", n.authHeaders(creds), payload)
	if err != nil {
		return netlifySite{}, domain.Wrap(domain.KindTransient, err, "netlify site create")
	}
	if status >= http.StatusInternalServerError {
		return netlifySite{}, domain.E(domain.KindTransient, "netlify site create failed with status %d: %s", status, truncate(raw))
	}
	if status >= http.StatusBadRequest {
		return netlifySite{}, domain.E(domain.KindDeploy, "netlify refused site create with status %d: %s", status, truncate(raw))
	}
	var site netlifySite
	if err := json.Unmarshal(raw, &site); err != nil {
		return netlifySite{}, domain.Wrap(domain.KindDeploy, err, "decode netlify site response")
	}
	return site, nil
}

// Status maps Netlify deploy states onto the uniform contract.
func (n *Netlify) Status(ctx context.Context, deploymentID string, creds Credentials) (Status, error) {
	status, raw, err := getJSON(ctx, n.client, n.baseURL+"/api/v1/deploys/"+deploymentID, n.authHeaders(creds))
	if err != nil {
		return Status{}, domain.Wrap(domain.KindTransient, err, "netlify status")
	}
	if status == http.StatusNotFound {
		return Status{}, domain.E(domain.KindNotFound, "netlify deploy %s not found", deploymentID)
	}
	if status != http.StatusOK {
		return Status{}, domain.E(domain.KindDeploy, "netlify status returned %d", status)
	}
	var deploy netlifyDeploy
	if err := json.Unmarshal(raw, &deploy); err != nil {
		return Status{}, domain.Wrap(domain.KindDeploy, err, "decode netlify status")
	}
	out := Status{URL: deploy.SSLURL, Error: deploy.ErrorMessage}
	switch deploy.State {
	case "ready":
		out.State = StatusSuccess
	case "building", "processing":
		out.State = StatusBuilding
	case "error", "stopped":
		out.State = StatusFailed
	default:
		out.State = StatusPending
	}
	return out, nil
}

// Delete removes a deploy, best-effort compensation after cancellation.
func (n *Netlify) Delete(ctx context.Context, deploymentID string, creds Credentials) error {
	status, raw, err := postJSON(ctx, n.client, http.MethodDelete, n.baseURL+"/api/v1/deploys/"+deploymentID, n.authHeaders(creds), nil)
	if err != nil {
		return domain.Wrap(domain.KindTransient, err, "netlify delete")
	}
	if status >= http.StatusBadRequest && status != http.StatusNotFound {
		return domain.E(domain.KindDeploy, "netlify delete returned %d: %s", status, truncate(raw))
	}
	return nil
}

var siteNameInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeSiteName produces a Netlify-safe site slug from a project name.
func sanitizeSiteName(name string) string {
	slug := siteNameInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "deployify-site"
	}
	return slug
}

// zipDirectory packages a directory tree into an in-memory zip archive with
// forward-slash relative paths.
func zipDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
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
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
