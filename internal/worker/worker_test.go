package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/Abhinav21110/deployify/internal/builder"
	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/logbus"
	"github.com/Abhinav21110/deployify/internal/provider"
	"github.com/Abhinav21110/deployify/internal/queue"
	"github.com/Abhinav21110/deployify/internal/repository"
)

// fakeStore is an in-memory DeploymentRepository recording every transition.
type fakeStore struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
	transitions map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deployments: map[string]*domain.Deployment{},
		transitions: map[string][]string{},
	}
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

func (f *fakeStore) ListDeployments(context.Context, repository.DeploymentFilter) ([]domain.Deployment, int, error) {
	return nil, 0, nil
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
	if update.ChosenProvider != "" {
		d.ChosenProvider = update.ChosenProvider
	}
	if update.DeploymentURL != "" {
		d.DeploymentURL = update.DeploymentURL
	}
	if update.ErrorMessage != "" {
		d.ErrorMessage = update.ErrorMessage
	}
	if update.Detected != nil && d.Detected == nil {
		d.Detected = update.Detected
	}
	now := time.Now().UTC()
	if update.State == domain.StateBuilding && d.StartedAt == nil {
		d.StartedAt = &now
	}
	if domain.Terminal(update.State) && d.CompletedAt == nil {
		d.CompletedAt = &now
	}
	f.transitions[update.DeploymentID] = append(f.transitions[update.DeploymentID], update.State)
	return nil
}

func (f *fakeStore) ListDeploymentsInStates(context.Context, []string, time.Time) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeStore) states(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transitions[id]...)
}

func (f *fakeStore) current(id string) domain.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.deployments[id]
}

// memLogRepo is an in-memory durable log table.
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

func (m *memLogRepo) ListLogEvents(_ context.Context, deploymentID string, filter domain.LogFilter) ([]domain.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LogEvent
	for _, event := range m.events[deploymentID] {
		if event.ID > filter.SinceID {
			out = append(out, event)
		}
	}
	return out, nil
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

func (m *memLogRepo) DeleteLogEvents(_ context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, deploymentID)
	return nil
}

func (m *memLogRepo) all(deploymentID string) []domain.LogEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LogEvent(nil), m.events[deploymentID]...)
}

// fakeEngine scripts clone/build behavior.
type fakeEngine struct {
	mu         sync.Mutex
	cloneErr   error
	buildErr   error
	onBuild    func()
	cloneCalls int
	cleaned    []string
	workdir    string
}

func (e *fakeEngine) Clone(_ context.Context, dep domain.Deployment, emit builder.Emitter) (string, error) {
	e.mu.Lock()
	e.cloneCalls++
	err := e.cloneErr
	dir := e.workdir
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = "/tmp/ws/" + dep.ID
	}
	emit(domain.LevelInfo, "clone", "cloned", nil)
	return dir, nil
}

func (e *fakeEngine) Build(_ context.Context, dep domain.Deployment, det domain.DetectionResult, workdir string, emit builder.Emitter) (string, error) {
	if e.onBuild != nil {
		e.onBuild()
	}
	if e.buildErr != nil {
		return "", e.buildErr
	}
	emit(domain.LevelInfo, "build", "built", nil)
	return workdir, nil
}

func (e *fakeEngine) Cleanup(workdir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleaned = append(e.cleaned, workdir)
	return nil
}

// scriptAdapter is a provider.Adapter with scriptable deploy behavior.
type scriptAdapter struct {
	kind      string
	deployErr error
	onDeploy  func()
	mu        sync.Mutex
	deploys   int
	deletes   []string
}

func (a *scriptAdapter) Kind() string { return a.kind }
func (a *scriptAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportedProjectTypes:    []string{domain.TypeStatic, domain.TypeSPA, domain.TypeSSR},
		RequiredCredentialFields: []string{"token"},
		SupportsFreeTier:         true,
	}
}
func (a *scriptAdapter) Validate(context.Context, provider.Credentials) error { return nil }
func (a *scriptAdapter) Deploy(context.Context, string, domain.DeployConfig, provider.Credentials) (provider.Deployment, error) {
	if a.onDeploy != nil {
		a.onDeploy()
	}
	a.mu.Lock()
	a.deploys++
	a.mu.Unlock()
	if a.deployErr != nil {
		return provider.Deployment{}, a.deployErr
	}
	return provider.Deployment{ID: "prov-1", URL: "https://app.example.test"}, nil
}
func (a *scriptAdapter) Status(context.Context, string, provider.Credentials) (provider.Status, error) {
	return provider.Status{State: provider.StatusSuccess}, nil
}
func (a *scriptAdapter) Delete(_ context.Context, id string, _ provider.Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes = append(a.deletes, id)
	return nil
}

// fakeCredentials is a CredentialSource with optional missing-credential mode.
type fakeCredentials struct {
	missing bool
}

func (f *fakeCredentials) ForProvider(_ context.Context, id, providerKind string) (provider.Credentials, error) {
	if f.missing {
		return nil, domain.E(domain.KindMissingCredential, "no credential %s", id)
	}
	return provider.Credentials{"token": "t"}, nil
}

func (f *fakeCredentials) FirstActive(_ context.Context, providerKind string) (string, provider.Credentials, error) {
	if f.missing {
		return "", nil, domain.E(domain.KindMissingCredential, "no active credential for provider %s", providerKind)
	}
	return "cred-1", provider.Credentials{"token": "t"}, nil
}

// fakeClock drives queue backoff without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	pool    *Pool
	queue   queue.Queue
	clock   *fakeClock
	store   *fakeStore
	logs    *memLogRepo
	engine  *fakeEngine
	netlify *scriptAdapter
	vercel  *scriptAdapter
	creds   *fakeCredentials
	detect  domain.DetectionResult
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Now()}
	h := &harness{
		clock:   clock,
		queue:   queue.NewMemoryWithClock(clock.Now),
		store:   newFakeStore(),
		logs:    newMemLogRepo(),
		engine:  &fakeEngine{},
		netlify: &scriptAdapter{kind: provider.KindNetlify},
		vercel:  &scriptAdapter{kind: provider.KindVercel},
		creds:   &fakeCredentials{},
		detect: domain.DetectionResult{
			Type:           domain.TypeStatic,
			Framework:      "Static HTML",
			IsPureStatic:   true,
			BuildDirectory: ".",
			PackageManager: domain.PackageManagerNPM,
		},
	}
	bus := logbus.New(h.logs, slog.Default())
	registry := provider.NewRegistry(h.netlify, h.vercel)
	h.pool = New(h.queue, h.store, bus, h.creds, registry, h.engine,
		func(string) domain.DetectionResult { return h.detect }, slog.Default(), 1)
	return h
}

func (h *harness) enqueue(t *testing.T, dep domain.Deployment, maxAttempts int) domain.JobItem {
	t.Helper()
	if dep.State == "" {
		dep.State = domain.StateQueued
	}
	if dep.Branch == "" {
		dep.Branch = "main"
	}
	if err := h.store.CreateDeployment(context.Background(), &dep); err != nil {
		t.Fatal(err)
	}
	item := domain.JobItem{
		JobID:        "job-" + dep.ID,
		DeploymentID: dep.ID,
		MaxAttempts:  maxAttempts,
		Timeout:      time.Minute,
		EnqueuedAt:   time.Now().UTC(),
	}
	if err := h.queue.Enqueue(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	return item
}

// runOne leases and runs exactly one job attempt.
func (h *harness) runOne(t *testing.T) {
	t.Helper()
	lease, err := h.queue.Lease(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if lease == nil {
		t.Fatal("no job became ready")
	}
	h.pool.runJob(context.Background(), lease, slog.Default())
}

func TestHappyStaticDeployToNetlify(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, domain.Deployment{
		ID:          "dep-1",
		RepoURL:     "https://github.com/user/site",
		Environment: domain.EnvironmentSchool,
		Budget:      domain.BudgetFree,
		Config:      domain.DeployConfig{Name: "site"},
	}, 3)
	h.runOne(t)

	want := []string{domain.StateCloning, domain.StateBuilding, domain.StateDeploying, domain.StateSuccess}
	got := h.store.states("dep-1")
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	final := h.store.current("dep-1")
	if final.ChosenProvider != provider.KindNetlify {
		t.Fatalf("chosen provider = %s", final.ChosenProvider)
	}
	if final.DeploymentURL != "https://app.example.test" {
		t.Fatalf("deployment url = %s", final.DeploymentURL)
	}
	if final.Detected == nil || final.Detected.Type != domain.TypeStatic {
		t.Fatalf("detected = %+v", final.Detected)
	}
	if h.netlify.deploys != 1 || h.vercel.deploys != 0 {
		t.Fatalf("deploys: netlify %d vercel %d", h.netlify.deploys, h.vercel.deploys)
	}
	if len(h.engine.cleaned) != 1 {
		t.Fatalf("workspace cleanups = %v", h.engine.cleaned)
	}

	steps := map[string]bool{}
	var success int
	for _, event := range h.logs.all("dep-1") {
		steps[event.Step] = true
		if event.Level == domain.LevelSuccess {
			success++
		}
	}
	for _, step := range []string{"clone", "analysis", "provider-selection", "credentials", "deployment"} {
		if !steps[step] {
			t.Errorf("missing log step %q", step)
		}
	}
	if success != 1 {
		t.Errorf("success events = %d", success)
	}

	stats, _ := h.queue.Stats(context.Background())
	if stats.Leased != 0 || stats.Completed != 1 {
		t.Fatalf("queue stats = %+v", stats)
	}
}

func TestNextJSGoesToVercel(t *testing.T) {
	h := newHarness(t)
	h.detect = domain.DetectionResult{
		Type:           domain.TypeSSR,
		Framework:      "Next.js",
		BuildDirectory: ".next",
		BuildCommand:   "npm run build",
		PackageManager: domain.PackageManagerNPM,
	}
	h.enqueue(t, domain.Deployment{
		ID:      "dep-2",
		RepoURL: "https://github.com/user/next-app",
		Budget:  domain.BudgetAny,
		Config:  domain.DeployConfig{Name: "next-app"},
	}, 3)
	h.runOne(t)

	final := h.store.current("dep-2")
	if final.State != domain.StateSuccess || final.ChosenProvider != provider.KindVercel {
		t.Fatalf("final = %s on %s", final.State, final.ChosenProvider)
	}
	if h.vercel.deploys != 1 {
		t.Fatalf("vercel deploys = %d", h.vercel.deploys)
	}
}

func TestMissingCredentialFailsBeforeBuild(t *testing.T) {
	h := newHarness(t)
	h.creds.missing = true
	buildRan := false
	h.engine.onBuild = func() { buildRan = true }
	h.enqueue(t, domain.Deployment{
		ID:      "dep-3",
		RepoURL: "https://github.com/user/site",
		Config:  domain.DeployConfig{Name: "site"},
	}, 3)
	h.runOne(t)

	final := h.store.current("dep-3")
	if final.State != domain.StateFailed {
		t.Fatalf("state = %s", final.State)
	}
	if !strings.Contains(final.ErrorMessage, string(domain.KindMissingCredential)) {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
	if buildRan {
		t.Fatal("build must not run without credentials")
	}
	if len(h.engine.cleaned) != 1 {
		t.Fatal("workspace must be removed on failure")
	}
	stats, _ := h.queue.Stats(context.Background())
	if stats.Completed != 1 || stats.Ready != 0 {
		t.Fatalf("missing credential must not retry, stats = %+v", stats)
	}
}

func TestBuildErrorIsTerminalAfterOneAttempt(t *testing.T) {
	h := newHarness(t)
	h.detect.IsPureStatic = false
	h.detect.BuildCommand = "npm run build"
	h.engine.buildErr = domain.E(domain.KindBuild, "build exited with status 1")
	h.enqueue(t, domain.Deployment{
		ID:      "dep-4",
		RepoURL: "https://github.com/user/app",
		Config:  domain.DeployConfig{Name: "app"},
	}, 3)
	h.runOne(t)

	final := h.store.current("dep-4")
	if final.State != domain.StateFailed {
		t.Fatalf("state = %s", final.State)
	}
	stats, _ := h.queue.Stats(context.Background())
	if stats.Ready != 0 || stats.Delayed != 0 || stats.Completed != 1 {
		t.Fatalf("terminal build error must not retry, stats = %+v", stats)
	}
	var sawError bool
	for _, event := range h.logs.all("dep-4") {
		if event.Level == domain.LevelError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected a final error event")
	}
}

func TestCloneErrorRetriesUntilExhausted(t *testing.T) {
	h := newHarness(t)
	h.engine.cloneErr = domain.E(domain.KindClone, "could not resolve host")
	h.enqueue(t, domain.Deployment{
		ID:      "dep-5",
		RepoURL: "https://github.com/user/app",
		Config:  domain.DeployConfig{Name: "app"},
	}, 2)

	h.runOne(t)
	if got := h.store.current("dep-5").State; got != domain.StateCloning {
		t.Fatalf("state after first attempt = %s, want cloning pending retry", got)
	}
	stats, _ := h.queue.Stats(context.Background())
	if stats.Delayed != 1 {
		t.Fatalf("expected a delayed retry, stats = %+v", stats)
	}

	// make the backoff due, then run the final attempt
	h.clock.Advance(time.Minute)
	h.runOne(t)

	final := h.store.current("dep-5")
	if final.State != domain.StateFailed {
		t.Fatalf("state = %s", final.State)
	}
	if h.engine.cloneCalls != 2 {
		t.Fatalf("clone attempts = %d, want 2", h.engine.cloneCalls)
	}
}

func TestCancelDuringBuildStopsAtCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.detect.IsPureStatic = false
	h.detect.BuildCommand = "npm run build"
	var item domain.JobItem
	h.engine.onBuild = func() {
		// cancel lands while the build runs; the leased item records intent
		if _, err := h.queue.Cancel(context.Background(), item.JobID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}
	item = h.enqueue(t, domain.Deployment{
		ID:      "dep-6",
		RepoURL: "https://github.com/user/app",
		Config:  domain.DeployConfig{Name: "app"},
	}, 3)
	h.runOne(t)

	final := h.store.current("dep-6")
	if final.State != domain.StateCancelled {
		t.Fatalf("state = %s", final.State)
	}
	if final.DeploymentURL != "" {
		t.Fatal("cancelled deployment must not carry a URL")
	}
	if h.netlify.deploys != 0 || h.vercel.deploys != 0 {
		t.Fatal("upload must not start after cancellation")
	}
	if len(h.netlify.deletes) != 0 || len(h.vercel.deletes) != 0 {
		t.Fatal("nothing was uploaded, so provider delete must not be called")
	}
	if len(h.engine.cleaned) != 1 {
		t.Fatal("workspace must be removed on cancellation")
	}
}

func TestCancelAfterUploadCompensates(t *testing.T) {
	h := newHarness(t)
	var item domain.JobItem
	h.netlify.onDeploy = func() {
		if _, err := h.queue.Cancel(context.Background(), item.JobID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}
	item = h.enqueue(t, domain.Deployment{
		ID:      "dep-7",
		RepoURL: "https://github.com/user/site",
		Config:  domain.DeployConfig{Name: "site"},
	}, 3)
	h.runOne(t)

	final := h.store.current("dep-7")
	if final.State != domain.StateCancelled {
		t.Fatalf("state = %s", final.State)
	}
	if len(h.netlify.deletes) != 1 || h.netlify.deletes[0] != "prov-1" {
		t.Fatalf("compensation deletes = %v", h.netlify.deletes)
	}
}

func TestAttemptAccountingNeverExceedsMax(t *testing.T) {
	h := newHarness(t)
	h.engine.cloneErr = domain.E(domain.KindClone, "flaky remote")
	h.enqueue(t, domain.Deployment{
		ID:      "dep-8",
		RepoURL: "https://github.com/user/app",
		Config:  domain.DeployConfig{Name: "app"},
	}, 3)

	for attempt := 0; attempt < 3; attempt++ {
		h.clock.Advance(time.Minute)
		h.runOne(t)
	}
	if h.engine.cloneCalls != 3 {
		t.Fatalf("clone calls = %d, want max attempts 3", h.engine.cloneCalls)
	}
	stats, _ := h.queue.Stats(context.Background())
	if stats.Ready != 0 || stats.Delayed != 0 || stats.Leased != 0 {
		t.Fatalf("job must be gone after exhaustion, stats = %+v", stats)
	}
	if h.store.current("dep-8").State != domain.StateFailed {
		t.Fatal("exhausted retries must fail the deployment")
	}
}
