package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Abhinav21110/deployify/internal/builder"
	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/logbus"
	"github.com/Abhinav21110/deployify/internal/provider"
	"github.com/Abhinav21110/deployify/internal/queue"
	"github.com/Abhinav21110/deployify/internal/repository"
)

const leaseWait = 5 * time.Second

// CredentialSource is the slice of the vault the pipeline needs.
type CredentialSource interface {
	ForProvider(ctx context.Context, id, providerKind string) (provider.Credentials, error)
	FirstActive(ctx context.Context, providerKind string) (string, provider.Credentials, error)
}

// DetectFunc analyzes a cloned workspace.
type DetectFunc func(root string) domain.DetectionResult

// Pool runs N independent workers, each driving one leased job at a time
// through the deployment pipeline. Workers share only the durable stores.
type Pool struct {
	queue       queue.Queue
	store       repository.DeploymentRepository
	bus         *logbus.Bus
	credentials CredentialSource
	providers   *provider.Registry
	engine      builder.Engine
	detect      DetectFunc
	logger      *slog.Logger
	count       int
}

// New constructs a pool of count workers.
func New(q queue.Queue, store repository.DeploymentRepository, bus *logbus.Bus,
	credentials CredentialSource, providers *provider.Registry, engine builder.Engine,
	detect DetectFunc, logger *slog.Logger, count int) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{
		queue:       q,
		store:       store,
		bus:         bus,
		credentials: credentials,
		providers:   providers,
		engine:      engine,
		detect:      detect,
		logger:      logger,
		count:       count,
	}
}

// Run blocks, looping lease-pipeline-ack on every worker until the context
// ends.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.count; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := p.logger.With("worker", workerID)
			for {
				if ctx.Err() != nil {
					return
				}
				lease, err := p.queue.Lease(ctx, leaseWait)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Error("queue lease failed", "error", err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				if lease == nil {
					continue
				}
				p.runJob(ctx, lease, log)
			}
		}(i)
	}
	wg.Wait()
}

// errCancelled signals that cancellation intent was observed at a
// checkpoint.
var errCancelled = domain.E(domain.KindCancelled, "deployment cancelled")

// runJob drives one leased item through the pipeline and converts its
// outcome into a queue acknowledgement, a deployment state transition, and
// log events.
func (p *Pool) runJob(ctx context.Context, lease *queue.Lease, log *slog.Logger) {
	item := lease.Item
	log = log.With("job_id", item.JobID, "deployment_id", item.DeploymentID)

	dep, err := p.store.GetDeploymentByID(ctx, item.DeploymentID)
	if err != nil {
		log.Error("deployment lookup failed; dropping job", "error", err)
		_ = p.queue.Complete(ctx, lease, queue.OutcomeFailed)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, item.Timeout)
	defer cancel()

	// abort in-flight I/O best-effort once cancellation intent lands; the
	// cooperative checkpoints remain the authoritative observation points
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if requested, err := p.queue.CancelRequested(jobCtx, item.JobID); err == nil && requested {
					cancel()
					return
				}
			}
		}
	}()

	run := &pipelineRun{
		pool:  p,
		lease: lease,
		dep:   dep,
		log:   log,
	}
	result, runErr := run.execute(jobCtx)
	cancel()
	<-watchDone
	run.cleanup()

	// an abort triggered by the watcher surfaces as a context error inside
	// whatever step was running; reclassify it as cancellation
	if runErr != nil && domain.KindOf(runErr) != domain.KindCancelled {
		if requested, err := p.queue.CancelRequested(ctx, item.JobID); err == nil && requested {
			runErr = errCancelled
		}
	}

	if runErr == nil {
		p.setState(ctx, domain.StateUpdate{
			DeploymentID:  dep.ID,
			State:         domain.StateSuccess,
			DeploymentURL: result.URL,
		}, log)
		p.emit(ctx, dep.ID, domain.LevelSuccess, "deployment", fmt.Sprintf("deployment live at %s", result.URL), map[string]any{
			"url":                  result.URL,
			"provider":             run.chosenProvider,
			"provider_deployment": result.ID,
		})
		if err := p.queue.Complete(ctx, lease, queue.OutcomeSuccess); err != nil {
			log.Error("queue ack failed", "error", err)
		}
		log.Info("deployment succeeded", "url", result.URL)
		return
	}

	// a deadline on the job context outranks whatever error it surfaced as
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && domain.KindOf(runErr) != domain.KindCancelled {
		runErr = domain.Wrap(domain.KindTimeout, runErr, "pipeline exceeded %s wall clock", item.Timeout)
	}

	kind := domain.KindOf(runErr)
	switch {
	case kind == domain.KindCancelled:
		run.compensate(ctx, result)
		p.setState(ctx, domain.StateUpdate{DeploymentID: dep.ID, State: domain.StateCancelled}, log)
		p.emit(ctx, dep.ID, domain.LevelWarn, run.step, "deployment cancelled", nil)
		if err := p.queue.Complete(ctx, lease, queue.OutcomeCancelled); err != nil {
			log.Error("queue ack failed", "error", err)
		}
		log.Info("deployment cancelled", "step", run.step)

	case domain.Retryable(runErr) && item.AttemptsMade < item.MaxAttempts:
		retried, err := p.queue.Retry(ctx, lease, runErr.Error())
		if err != nil {
			log.Error("queue retry failed", "error", err)
		}
		if retried {
			p.emit(ctx, dep.ID, domain.LevelWarn, run.step,
				fmt.Sprintf("attempt %d/%d failed, retrying: %v", item.AttemptsMade, item.MaxAttempts, runErr), nil)
			log.Warn("attempt failed; retry scheduled", "attempts", item.AttemptsMade, "error", runErr)
			return
		}
		fallthrough

	default:
		message := domain.UserMessage(runErr)
		p.setState(ctx, domain.StateUpdate{
			DeploymentID: dep.ID,
			State:        domain.StateFailed,
			ErrorMessage: message,
		}, log)
		p.emit(ctx, dep.ID, domain.LevelError, run.step, message, map[string]any{"attempts": item.AttemptsMade})
		if err := p.queue.Complete(ctx, lease, queue.OutcomeFailed); err != nil {
			log.Error("queue ack failed", "error", err)
		}
		log.Error("deployment failed", "step", run.step, "error", runErr)
	}
}

// pipelineRun is the state of one attempt of the linear machine.
type pipelineRun struct {
	pool  *Pool
	lease *queue.Lease
	dep   *domain.Deployment
	log   *slog.Logger

	step           string
	workdir        string
	chosenProvider string
	adapter        provider.Adapter
	credentials    provider.Credentials
}

// execute runs clone, analyze, select, load credentials, build, deploy.
// Cancellation intent is checked at the start of every step.
func (r *pipelineRun) execute(ctx context.Context) (provider.Deployment, error) {
	p := r.pool
	dep := r.dep
	item := r.lease.Item

	// initialize
	r.step = "initialize"
	p.emit(ctx, dep.ID, domain.LevelInfo, r.step,
		fmt.Sprintf("attempt %d/%d started", item.AttemptsMade, item.MaxAttempts), nil)
	p.setState(ctx, domain.StateUpdate{DeploymentID: dep.ID, State: domain.StateCloning}, r.log)

	// clone
	r.step = "clone"
	if err := r.checkpoint(ctx); err != nil {
		return provider.Deployment{}, err
	}
	workdir, err := p.engine.Clone(ctx, *dep, r.emitter(ctx))
	if err != nil {
		return provider.Deployment{}, err
	}
	r.workdir = workdir
	p.emit(ctx, dep.ID, domain.LevelInfo, r.step, "repository cloned", nil)

	// analyze
	r.step = "analysis"
	if err := r.checkpoint(ctx); err != nil {
		return provider.Deployment{}, err
	}
	det := p.detect(workdir)
	dep.Detected = &det
	p.emit(ctx, dep.ID, domain.LevelInfo, r.step, fmt.Sprintf("detected %s (%s)", det.Framework, det.Type), map[string]any{
		"framework":       det.Framework,
		"type":            det.Type,
		"build_command":   det.BuildCommand,
		"build_directory": det.BuildDirectory,
		"package_manager": det.PackageManager,
		"size_mb":         det.EstimatedSizeMB,
	})

	// select provider
	r.step = "provider-selection"
	if err := r.checkpoint(ctx); err != nil {
		return provider.Deployment{}, err
	}
	kind, reason := provider.Select(p.providers, det, provider.Policy{
		Environment:        dep.Environment,
		Budget:             dep.Budget,
		PreferredProviders: dep.PreferredProviders,
		ExplicitProvider:   dep.ExplicitProvider,
	})
	adapter, ok := p.providers.Get(kind)
	if !ok {
		return provider.Deployment{}, domain.E(domain.KindInternal, "selected provider %q is not registered", kind)
	}
	r.chosenProvider = kind
	r.adapter = adapter
	p.emit(ctx, dep.ID, domain.LevelInfo, r.step, fmt.Sprintf("selected %s: %s", kind, reason), nil)

	// load credentials
	r.step = "credentials"
	if err := r.checkpoint(ctx); err != nil {
		return provider.Deployment{}, err
	}
	if err := r.loadCredentials(ctx); err != nil {
		return provider.Deployment{}, err
	}
	p.emit(ctx, dep.ID, domain.LevelInfo, r.step, fmt.Sprintf("credentials loaded for %s", kind), nil)

	// build
	r.step = "build"
	if err := r.checkpoint(ctx); err != nil {
		return provider.Deployment{}, err
	}
	p.setState(ctx, domain.StateUpdate{
		DeploymentID:   dep.ID,
		State:          domain.StateBuilding,
		ChosenProvider: kind,
		Detected:       &det,
	}, r.log)
	artifact, err := p.engine.Build(ctx, *dep, det, workdir, r.emitter(ctx))
	if err != nil {
		return provider.Deployment{}, err
	}

	// deploy
	r.step = "deployment"
	if err := r.checkpoint(ctx); err != nil {
		return provider.Deployment{}, err
	}
	p.setState(ctx, domain.StateUpdate{DeploymentID: dep.ID, State: domain.StateDeploying}, r.log)
	p.emit(ctx, dep.ID, domain.LevelInfo, r.step, fmt.Sprintf("uploading artifact to %s", kind), nil)
	result, err := adapter.Deploy(ctx, artifact, dep.Config, r.credentials)
	if err != nil {
		return provider.Deployment{}, err
	}

	// finalize; a cancel observed here arrived while the upload was in
	// flight, so the caller compensates with adapter delete
	r.step = "finalize"
	if err := r.checkpoint(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// loadCredentials prefers the pinned credential when it matches the chosen
// provider, falling back to the first active one.
func (r *pipelineRun) loadCredentials(ctx context.Context) error {
	p := r.pool
	if id := r.dep.ExplicitCredentialID; id != "" {
		creds, err := p.credentials.ForProvider(ctx, id, r.chosenProvider)
		if err == nil {
			r.credentials = creds
			return nil
		}
		kind := domain.KindOf(err)
		if kind != domain.KindMissingCredential && kind != domain.KindNotFound {
			return err
		}
		r.log.Warn("pinned credential unusable; falling back", "credential_id", id, "error", err)
	}
	_, creds, err := p.credentials.FirstActive(ctx, r.chosenProvider)
	if err != nil {
		return err
	}
	r.credentials = creds
	return nil
}

// checkpoint observes cancellation intent cooperatively.
func (r *pipelineRun) checkpoint(ctx context.Context) error {
	requested, err := r.pool.queue.CancelRequested(ctx, r.lease.Item.JobID)
	if err != nil {
		r.log.Warn("cancellation check failed", "error", err)
		return nil
	}
	if requested {
		return errCancelled
	}
	return nil
}

// cleanup always removes the workspace; failures log a warning and nothing
// else.
func (r *pipelineRun) cleanup() {
	if r.workdir == "" {
		return
	}
	if err := r.pool.engine.Cleanup(r.workdir); err != nil {
		r.log.Warn("workspace cleanup failed", "workdir", r.workdir, "error", err)
		return
	}
	r.log.Debug("workspace removed", "workdir", r.workdir)
}

// compensate deletes a provider deployment that completed while a cancel was
// pending.
func (r *pipelineRun) compensate(ctx context.Context, result provider.Deployment) {
	if r.adapter == nil || result.ID == "" {
		return
	}
	if err := r.adapter.Delete(ctx, result.ID, r.credentials); err != nil {
		r.log.Warn("provider compensation delete failed", "provider_deployment", result.ID, "error", err)
	}
}

func (r *pipelineRun) emitter(ctx context.Context) builder.Emitter {
	return func(level, step, message string, metadata map[string]any) {
		r.pool.emit(ctx, r.dep.ID, level, step, message, metadata)
	}
}

// emit appends to the log bus; a failed durable write is non-fatal.
func (p *Pool) emit(ctx context.Context, deploymentID, level, step, message string, metadata map[string]any) {
	if _, err := p.bus.Append(context.WithoutCancel(ctx), deploymentID, level, step, message, metadata); err != nil {
		p.logger.Warn("log append failed", "deployment_id", deploymentID, "error", err)
	}
}

// setState applies a transition, tolerating rejections from retried attempts
// that would otherwise move backward.
func (p *Pool) setState(ctx context.Context, update domain.StateUpdate, log *slog.Logger) {
	err := p.store.UpdateDeploymentState(context.WithoutCancel(ctx), update)
	if err == nil {
		return
	}
	if errors.Is(err, repository.ErrInvalidTransition) {
		log.Debug("state transition skipped", "target", update.State, "error", err)
		return
	}
	log.Error("deployment state update failed", "target", update.State, "error", err)
}

// RecoverStale marks deployments stranded mid-pipeline by a crashed process
// as failed when their job can no longer run. Called once at startup, before
// workers begin leasing.
func (p *Pool) RecoverStale(ctx context.Context, olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	stale, err := p.store.ListDeploymentsInStates(ctx,
		[]string{domain.StateCloning, domain.StateBuilding, domain.StateDeploying}, cutoff)
	if err != nil {
		p.logger.Error("stale deployment sweep failed", "error", err)
		return
	}
	for _, dep := range stale {
		stats, err := p.queue.Stats(ctx)
		if err == nil && stats.Ready+stats.Delayed+stats.Leased > 0 {
			// live queue items may still own these deployments; the lease
			// reaper decides their fate
			continue
		}
		p.setState(ctx, domain.StateUpdate{
			DeploymentID: dep.ID,
			State:        domain.StateFailed,
			ErrorMessage: "deployment interrupted by a service restart",
		}, p.logger)
		p.emit(ctx, dep.ID, domain.LevelError, "recovery", "deployment interrupted by a service restart", nil)
	}
}
