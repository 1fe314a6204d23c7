package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/logbus"
	"github.com/Abhinav21110/deployify/internal/queue"
	"github.com/Abhinav21110/deployify/internal/repository"
)

// backlogHighWater triggers a warning once the queue backlog passes it;
// intake keeps accepting work regardless.
const backlogHighWater = 100

var repoURLPattern = regexp.MustCompile(`^https://github\.com/[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

var validEnvironments = map[string]struct{}{
	domain.EnvironmentSchool:  {},
	domain.EnvironmentStaging: {},
	domain.EnvironmentProd:    {},
}

var validBudgets = map[string]struct{}{
	domain.BudgetFree: {},
	domain.BudgetLow:  {},
	domain.BudgetAny:  {},
}

// Service handles deployment intake, listing, and cancellation. The worker
// pool owns all other mutation.
type Service struct {
	store       repository.DeploymentRepository
	queue       queue.Queue
	bus         *logbus.Bus
	logger      *slog.Logger
	maxAttempts int
	jobTimeout  time.Duration
}

// New constructs the service.
func New(store repository.DeploymentRepository, q queue.Queue, bus *logbus.Bus, logger *slog.Logger, maxAttempts int, jobTimeout time.Duration) *Service {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if jobTimeout <= 0 {
		jobTimeout = 15 * time.Minute
	}
	return &Service{store: store, queue: q, bus: bus, logger: logger, maxAttempts: maxAttempts, jobTimeout: jobTimeout}
}

// Intake is the request body of a deployment create.
type Intake struct {
	RepoURL            string              `json:"repoUrl"`
	Branch             string              `json:"branch"`
	Environment        string              `json:"environment"`
	Budget             string              `json:"budget"`
	PreferredProviders []string            `json:"preferredProviders"`
	Provider           string              `json:"provider"`
	CredentialID       string              `json:"credentialId"`
	Config             domain.DeployConfig `json:"config"`
}

func (in *Intake) validate() error {
	if !repoURLPattern.MatchString(strings.TrimSpace(in.RepoURL)) {
		return domain.E(domain.KindValidation, "repoUrl must be a https://github.com/<owner>/<repo> URL")
	}
	if in.Environment == "" {
		in.Environment = domain.EnvironmentSchool
	}
	if _, ok := validEnvironments[in.Environment]; !ok {
		return domain.E(domain.KindValidation, "environment must be one of school, staging, prod")
	}
	if in.Budget == "" {
		in.Budget = domain.BudgetAny
	}
	if _, ok := validBudgets[in.Budget]; !ok {
		return domain.E(domain.KindValidation, "budget must be one of free, low, any")
	}
	if in.Branch == "" {
		in.Branch = "main"
	}
	if in.Config.Name == "" {
		segments := strings.Split(strings.TrimRight(in.RepoURL, "/"), "/")
		in.Config.Name = segments[len(segments)-1]
	}
	return nil
}

// Create validates the intake, persists the deployment, and enqueues its
// job. Malformed intake never reaches the queue.
func (s *Service) Create(ctx context.Context, in Intake) (*domain.Deployment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	dep := domain.Deployment{
		ID:                   uuid.NewString(),
		RepoURL:              strings.TrimSpace(in.RepoURL),
		Branch:               in.Branch,
		Environment:          in.Environment,
		Budget:               in.Budget,
		PreferredProviders:   in.PreferredProviders,
		ExplicitProvider:     in.Provider,
		ExplicitCredentialID: in.CredentialID,
		Config:               in.Config,
		State:                domain.StateQueued,
		JobHandle:            uuid.NewString(),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateDeployment(ctx, &dep); err != nil {
		return nil, fmt.Errorf("persist deployment: %w", err)
	}
	item := domain.JobItem{
		JobID:        dep.JobHandle,
		DeploymentID: dep.ID,
		MaxAttempts:  s.maxAttempts,
		Timeout:      s.jobTimeout,
		EnqueuedAt:   now,
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue deployment job: %w", err)
	}
	if _, err := s.bus.Append(ctx, dep.ID, domain.LevelInfo, "queued",
		fmt.Sprintf("deployment queued for %s (branch %s)", dep.RepoURL, dep.Branch), nil); err != nil {
		s.logger.Warn("intake log append failed", "deployment_id", dep.ID, "error", err)
	}
	s.warnOnBacklog(ctx)
	s.logger.Info("deployment accepted", "deployment_id", dep.ID, "repo_url", dep.RepoURL)
	return &dep, nil
}

func (s *Service) warnOnBacklog(ctx context.Context) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return
	}
	if backlog := stats.Ready + stats.Delayed; backlog > backlogHighWater {
		s.logger.Warn("queue backlog above high-water mark", "backlog", backlog, "high_water", backlogHighWater)
	}
}

// Get returns one deployment.
func (s *Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	dep, err := s.store.GetDeploymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.E(domain.KindNotFound, "deployment %s not found", id)
		}
		return nil, err
	}
	return dep, nil
}

// List returns a page of deployments and the filtered total.
func (s *Service) List(ctx context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, int, error) {
	return s.store.ListDeployments(ctx, filter)
}

// Cancel requests cancellation. An unleased job is removed and the
// deployment flips to cancelled immediately; a leased job records intent for
// the owning worker's next checkpoint.
func (s *Service) Cancel(ctx context.Context, id string) (string, error) {
	dep, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if domain.Terminal(dep.State) {
		return "", domain.E(domain.KindValidation, "deployment %s already %s", id, dep.State)
	}
	removed, err := s.queue.Cancel(ctx, dep.JobHandle)
	if err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	if removed {
		if err := s.store.UpdateDeploymentState(ctx, domain.StateUpdate{
			DeploymentID: id,
			State:        domain.StateCancelled,
		}); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
			return "", err
		}
		if _, err := s.bus.Append(ctx, id, domain.LevelWarn, "cancel", "deployment cancelled before work started", nil); err != nil {
			s.logger.Warn("cancel log append failed", "deployment_id", id, "error", err)
		}
		return "deployment cancelled", nil
	}
	if _, err := s.bus.Append(ctx, id, domain.LevelWarn, "cancel", "cancellation requested; worker will stop at the next checkpoint", nil); err != nil {
		s.logger.Warn("cancel log append failed", "deployment_id", id, "error", err)
	}
	return "cancellation requested", nil
}
