package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.CredentialRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateDeployment inserts a deployment in its initial state.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	preferred, err := json.Marshal(d.PreferredProviders)
	if err != nil {
		return fmt.Errorf("marshal preferred providers: %w", err)
	}
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	const query = `INSERT INTO deployments
		(id, repo_url, branch, environment, budget, preferred_providers, explicit_provider,
		 explicit_credential_id, config, state, job_handle, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.pool.Exec(ctx, query,
		d.ID, d.RepoURL, d.Branch, d.Environment, d.Budget, preferred, d.ExplicitProvider,
		d.ExplicitCredentialID, cfg, d.State, d.JobHandle, d.CreatedAt, d.UpdatedAt)
	return err
}

const deploymentColumns = `id, repo_url, branch, environment, budget, preferred_providers,
	explicit_provider, explicit_credential_id, config, state, chosen_provider,
	deployment_url, error_message, detected, job_handle, created_at, updated_at,
	started_at, completed_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var preferred, cfg, detected []byte
	err := row.Scan(&d.ID, &d.RepoURL, &d.Branch, &d.Environment, &d.Budget, &preferred,
		&d.ExplicitProvider, &d.ExplicitCredentialID, &cfg, &d.State, &d.ChosenProvider,
		&d.DeploymentURL, &d.ErrorMessage, &detected, &d.JobHandle, &d.CreatedAt, &d.UpdatedAt,
		&d.StartedAt, &d.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(preferred) > 0 {
		if err := json.Unmarshal(preferred, &d.PreferredProviders); err != nil {
			return nil, fmt.Errorf("unmarshal preferred providers: %w", err)
		}
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &d.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if len(detected) > 0 {
		var det domain.DetectionResult
		if err := json.Unmarshal(detected, &det); err != nil {
			return nil, fmt.Errorf("unmarshal detection: %w", err)
		}
		d.Detected = &det
	}
	return &d, nil
}

// GetDeploymentByID retrieves one deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// ListDeployments returns a page of deployments plus the filtered total.
func (r *Repository) ListDeployments(ctx context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	where := ` WHERE ($1 = '' OR state = $1) AND ($2 = '' OR chosen_provider = $2)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM deployments`+where, filter.State, filter.Provider).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments` + where +
		` ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, query, filter.State, filter.Provider, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0, limit)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, total, rows.Err()
}

// UpdateDeploymentState applies a state-machine-aware mutation. The WHERE
// clause pins the allowed predecessor states so the transition check and the
// write are one linearizable statement.
func (r *Repository) UpdateDeploymentState(ctx context.Context, update domain.StateUpdate) error {
	allowed := domain.AllowedPrior(update.State)
	if len(allowed) == 0 {
		return repository.ErrInvalidTransition
	}
	var detected []byte
	if update.Detected != nil {
		raw, err := json.Marshal(update.Detected)
		if err != nil {
			return fmt.Errorf("marshal detection: %w", err)
		}
		detected = raw
	}
	now := time.Now().UTC()
	const query = `UPDATE deployments SET
		state = $2,
		updated_at = $3,
		chosen_provider = COALESCE(NULLIF($4, ''), chosen_provider),
		deployment_url = COALESCE(NULLIF($5, ''), deployment_url),
		error_message = COALESCE(NULLIF($6, ''), error_message),
		detected = COALESCE(detected, $7),
		started_at = CASE WHEN $2 = 'building' THEN COALESCE(started_at, $3) ELSE started_at END,
		completed_at = CASE WHEN $2 IN ('success', 'failed', 'cancelled') THEN COALESCE(completed_at, $3) ELSE completed_at END
		WHERE id = $1 AND state = ANY($8)`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.State, now,
		update.ChosenProvider, update.DeploymentURL, update.ErrorMessage,
		detected, allowed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := r.pool.QueryRow(ctx, `SELECT state FROM deployments WHERE id = $1`, update.DeploymentID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, current, update.State)
	}
	return nil
}

// ListDeploymentsInStates returns deployments sitting in any of the given
// states since before the cutoff, oldest first. Used by the crash-recovery
// sweep.
func (r *Repository) ListDeploymentsInStates(ctx context.Context, states []string, updatedBefore time.Time) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE state = ANY($1) AND updated_at < $2 ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query, states, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// CreateCredential inserts a credential; a second active credential for the
// same owner and provider trips the partial unique index.
func (r *Repository) CreateCredential(ctx context.Context, c *domain.Credential) error {
	const query = `INSERT INTO credentials
		(id, owner, provider, name, ciphertext, is_active, is_valid, last_validated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		c.ID, c.Owner, c.Provider, c.Name, c.Ciphertext, c.IsActive, c.IsValid, c.LastValidatedAt, c.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

const credentialColumns = `id, owner, provider, name, ciphertext, is_active, is_valid, last_validated_at, created_at`

func scanCredential(row pgx.Row) (*domain.Credential, error) {
	var c domain.Credential
	err := row.Scan(&c.ID, &c.Owner, &c.Provider, &c.Name, &c.Ciphertext, &c.IsActive, &c.IsValid, &c.LastValidatedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetCredentialByID fetches one credential including its ciphertext.
func (r *Repository) GetCredentialByID(ctx context.Context, id string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`
	return scanCredential(r.pool.QueryRow(ctx, query, id))
}

// ListCredentialsByOwner lists an owner's credentials, newest first.
func (r *Repository) ListCredentialsByOwner(ctx context.Context, owner string) ([]domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE owner = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	credentials := make([]domain.Credential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, *c)
	}
	return credentials, rows.Err()
}

// FirstActiveCredential returns the oldest active credential for a provider.
func (r *Repository) FirstActiveCredential(ctx context.Context, provider string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE provider = $1 AND is_active ORDER BY created_at ASC LIMIT 1`
	return scanCredential(r.pool.QueryRow(ctx, query, provider))
}

// UpdateCredential rewrites mutable credential fields.
func (r *Repository) UpdateCredential(ctx context.Context, c *domain.Credential) error {
	const query = `UPDATE credentials SET
		name = $2, ciphertext = $3, is_active = $4, is_valid = $5, last_validated_at = $6
		WHERE id = $1 AND owner = $7`
	tag, err := r.pool.Exec(ctx, query, c.ID, c.Name, c.Ciphertext, c.IsActive, c.IsValid, c.LastValidatedAt, c.Owner)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetCredentialValidity persists a validation outcome.
func (r *Repository) SetCredentialValidity(ctx context.Context, id string, isValid bool, at time.Time) error {
	const query = `UPDATE credentials SET is_valid = $2, last_validated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, isValid, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteCredential hard-deletes a credential.
func (r *Repository) DeleteCredential(ctx context.Context, id, owner string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendLogEvent inserts one log row; ids are assigned by the log bus and are
// unique per deployment.
func (r *Repository) AppendLogEvent(ctx context.Context, event domain.LogEvent) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		metadata = raw
	}
	const query = `INSERT INTO deployment_logs (deployment_id, id, timestamp, level, step, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		event.DeploymentID, event.ID, event.Timestamp, event.Level, event.Step, event.Message, metadata)
	return err
}

// ListLogEvents reads a bounded, filtered slice of a deployment's log in id
// order.
func (r *Repository) ListLogEvents(ctx context.Context, deploymentID string, filter domain.LogFilter) ([]domain.LogEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	const query = `SELECT id, deployment_id, timestamp, level, step, message, metadata
		FROM deployment_logs
		WHERE deployment_id = $1
		  AND ($2 = '' OR level = $2)
		  AND ($3 = '' OR message ILIKE '%' || $3 || '%')
		  AND id > $4
		ORDER BY id ASC LIMIT $5`
	rows, err := r.pool.Query(ctx, query, deploymentID, filter.Level, filter.Search, filter.SinceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.LogEvent, 0, limit)
	for rows.Next() {
		var event domain.LogEvent
		var metadata []byte
		if err := rows.Scan(&event.ID, &event.DeploymentID, &event.Timestamp, &event.Level, &event.Step, &event.Message, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal log metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MaxLogEventID returns the highest assigned id for a deployment, 0 when the
// log is empty. The bus seeds its counter from this after a restart.
func (r *Repository) MaxLogEventID(ctx context.Context, deploymentID string) (int64, error) {
	var max int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM deployment_logs WHERE deployment_id = $1`, deploymentID).Scan(&max)
	return max, err
}

// SummarizeLogEvents aggregates a deployment's log.
func (r *Repository) SummarizeLogEvents(ctx context.Context, deploymentID string) (domain.LogSummary, error) {
	summary := domain.LogSummary{ByLevel: map[string]int{}}
	rows, err := r.pool.Query(ctx,
		`SELECT level, COUNT(1) FROM deployment_logs WHERE deployment_id = $1 GROUP BY level`, deploymentID)
	if err != nil {
		return summary, err
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return summary, err
		}
		summary.ByLevel[level] = count
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}
	if summary.Total == 0 {
		return summary, nil
	}
	var start, end time.Time
	err = r.pool.QueryRow(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM deployment_logs WHERE deployment_id = $1`, deploymentID).
		Scan(&start, &end)
	if err != nil {
		return summary, err
	}
	summary.StartTime = &start
	summary.EndTime = &end
	summary.Duration = end.Sub(start).String()
	return summary, nil
}

// DeleteLogEvents removes a deployment's durable log.
func (r *Repository) DeleteLogEvents(ctx context.Context, deploymentID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM deployment_logs WHERE deployment_id = $1`, deploymentID)
	return err
}
