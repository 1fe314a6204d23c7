package deploy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/logbus"
	"github.com/Abhinav21110/deployify/internal/queue"
	"github.com/Abhinav21110/deployify/internal/repository"
)

type fakeStore struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
}

func newFakeStore() *fakeStore {
	return &fakeStore{deployments: map[string]*domain.Deployment{}}
}

func (f *fakeStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *d
	f.deployments[d.ID] = &clone
	return nil
}

func (f *fakeStore) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (f *fakeStore) ListDeployments(_ context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.deployments {
		if filter.State != "" && d.State != filter.State {
			continue
		}
		out = append(out, *d)
	}
	return out, len(out), nil
}

func (f *fakeStore) UpdateDeploymentState(_ context.Context, update domain.StateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if !domain.ValidTransition(d.State, update.State) {
		return repository.ErrInvalidTransition
	}
	d.State = update.State
	return nil
}

func (f *fakeStore) ListDeploymentsInStates(context.Context, []string, time.Time) ([]domain.Deployment, error) {
	return nil, nil
}

type memLogRepo struct {
	mu     sync.Mutex
	events map[string][]domain.LogEvent
}

func newMemLogRepo() *memLogRepo { return &memLogRepo{events: map[string][]domain.LogEvent{}} }

func (m *memLogRepo) AppendLogEvent(_ context.Context, event domain.LogEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.DeploymentID] = append(m.events[event.DeploymentID], event)
	return nil
}

func (m *memLogRepo) ListLogEvents(_ context.Context, deploymentID string, _ domain.LogFilter) ([]domain.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LogEvent(nil), m.events[deploymentID]...), nil
}

func (m *memLogRepo) MaxLogEventID(_ context.Context, deploymentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[deploymentID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].ID, nil
}

func (m *memLogRepo) SummarizeLogEvents(context.Context, string) (domain.LogSummary, error) {
	return domain.LogSummary{}, nil
}

func (m *memLogRepo) DeleteLogEvents(context.Context, string) error { return nil }

func newTestService(t *testing.T) (*Service, *fakeStore, queue.Queue) {
	t.Helper()
	store := newFakeStore()
	q := queue.NewMemory()
	bus := logbus.New(newMemLogRepo(), slog.Default())
	svc := New(store, q, bus, slog.Default(), 3, 15*time.Minute)
	return svc, store, q
}

func TestCreateValidatesIntake(t *testing.T) {
	svc, _, _ := newTestService(t)
	cases := []struct {
		name string
		in   Intake
	}{
		{"empty repo", Intake{}},
		{"not github", Intake{RepoURL: "https://gitlab.com/user/repo"}},
		{"missing owner", Intake{RepoURL: "https://github.com/repo"}},
		{"trailing path", Intake{RepoURL: "https://github.com/user/repo/tree/main"}},
		{"bad environment", Intake{RepoURL: "https://github.com/user/repo", Environment: "production"}},
		{"bad budget", Intake{RepoURL: "https://github.com/user/repo", Budget: "unlimited"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.in)
			if domain.KindOf(err) != domain.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreatePersistsAndEnqueues(t *testing.T) {
	svc, store, q := newTestService(t)
	dep, err := svc.Create(context.Background(), Intake{
		RepoURL:     "https://github.com/user/my-site",
		Environment: domain.EnvironmentSchool,
		Budget:      domain.BudgetFree,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if dep.State != domain.StateQueued {
		t.Fatalf("state = %s", dep.State)
	}
	if dep.Branch != "main" {
		t.Fatalf("branch default = %s", dep.Branch)
	}
	if dep.Config.Name != "my-site" {
		t.Fatalf("derived name = %s", dep.Config.Name)
	}

	stored, err := store.GetDeploymentByID(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("stored deployment missing: %v", err)
	}
	if stored.JobHandle == "" {
		t.Fatal("deployment must link its job")
	}
	lease, err := q.Lease(context.Background(), time.Second)
	if err != nil || lease == nil {
		t.Fatalf("job not enqueued: %+v, %v", lease, err)
	}
	if lease.Item.DeploymentID != dep.ID || lease.Item.JobID != dep.JobHandle {
		t.Fatalf("job item = %+v", lease.Item)
	}
	if lease.Item.MaxAttempts != 3 || lease.Item.Timeout != 15*time.Minute {
		t.Fatalf("job defaults = %+v", lease.Item)
	}
}

func TestGetUnknownDeployment(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Get(context.Background(), "nope")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelBeforeLeaseFlipsImmediately(t *testing.T) {
	svc, store, _ := newTestService(t)
	dep, err := svc.Create(context.Background(), Intake{RepoURL: "https://github.com/user/site"})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := svc.Cancel(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !strings.Contains(msg, "cancelled") {
		t.Fatalf("message = %q", msg)
	}
	stored, _ := store.GetDeploymentByID(context.Background(), dep.ID)
	if stored.State != domain.StateCancelled {
		t.Fatalf("state = %s", stored.State)
	}
}

func TestCancelLeasedRecordsIntent(t *testing.T) {
	svc, store, q := newTestService(t)
	dep, err := svc.Create(context.Background(), Intake{RepoURL: "https://github.com/user/site"})
	if err != nil {
		t.Fatal(err)
	}
	if lease, _ := q.Lease(context.Background(), time.Second); lease == nil {
		t.Fatal("expected lease")
	}

	msg, err := svc.Cancel(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !strings.Contains(msg, "requested") {
		t.Fatalf("message = %q", msg)
	}
	stored, _ := store.GetDeploymentByID(context.Background(), dep.ID)
	if stored.State != domain.StateQueued {
		t.Fatalf("leased cancel must not flip state directly, state = %s", stored.State)
	}
	requested, _ := q.CancelRequested(context.Background(), dep.JobHandle)
	if !requested {
		t.Fatal("expected cancellation intent on the queue")
	}
}

func TestCancelTerminalDeploymentRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	dep, err := svc.Create(context.Background(), Intake{RepoURL: "https://github.com/user/site"})
	if err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.deployments[dep.ID].State = domain.StateSuccess
	store.mu.Unlock()

	_, err = svc.Cancel(context.Background(), dep.ID)
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
