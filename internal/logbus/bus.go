package logbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/repository"
)

const (
	// subscriberBuffer bounds the per-subscriber backlog. A subscriber that
	// falls further behind loses its oldest buffered events and receives a
	// gap marker; producers never block on it.
	subscriberBuffer = 256
	// StepStream tags synthetic stream-control events such as gap markers.
	StepStream = "stream"

	replayPageSize = 1000
)

// Bus is the per-deployment append-only log with durable persistence and
// live fan-out. Events are totally ordered per deployment by id; an append
// is durable before any subscriber sees it.
type Bus struct {
	repo   repository.LogRepository
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu     sync.Mutex
	nextID int64
	seeded bool
	subs   map[*subscriber]struct{}
}

type subscriber struct {
	mu      sync.Mutex
	queue   []domain.LogEvent
	dropped int
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New constructs a Bus over a durable log repository.
func New(repo repository.LogRepository, logger *slog.Logger) *Bus {
	return &Bus{repo: repo, logger: logger, streams: map[string]*stream{}}
}

func (b *Bus) stream(deploymentID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[deploymentID]
	if !ok {
		s = &stream{subs: map[*subscriber]struct{}{}}
		b.streams[deploymentID] = s
	}
	return s
}

// Append assigns the next monotonic id, persists the event, and notifies all
// current subscribers. A failed durable write fails the append; no
// subscriber sees the event and callers continue.
func (b *Bus) Append(ctx context.Context, deploymentID, level, step, message string, metadata map[string]any) (domain.LogEvent, error) {
	s := b.stream(deploymentID)
	s.mu.Lock()
	if !s.seeded {
		max, err := b.repo.MaxLogEventID(ctx, deploymentID)
		if err != nil {
			s.mu.Unlock()
			return domain.LogEvent{}, fmt.Errorf("seed log counter: %w", err)
		}
		s.nextID = max
		s.seeded = true
	}
	event := domain.LogEvent{
		ID:           s.nextID + 1,
		DeploymentID: deploymentID,
		Timestamp:    time.Now().UTC(),
		Level:        level,
		Step:         step,
		Message:      message,
		Metadata:     metadata,
	}
	if err := b.repo.AppendLogEvent(ctx, event); err != nil {
		s.mu.Unlock()
		return domain.LogEvent{}, fmt.Errorf("persist log event: %w", err)
	}
	s.nextID = event.ID
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(event)
	}
	return event, nil
}

// Read returns a filtered slice of the durable log.
func (b *Bus) Read(ctx context.Context, deploymentID string, filter domain.LogFilter) ([]domain.LogEvent, error) {
	return b.repo.ListLogEvents(ctx, deploymentID, filter)
}

// Summary aggregates a deployment's log.
func (b *Bus) Summary(ctx context.Context, deploymentID string) (domain.LogSummary, error) {
	return b.repo.SummarizeLogEvents(ctx, deploymentID)
}

// Subscribe delivers the full existing log in order, then follows new
// appends. The returned cancel detaches the subscriber; the channel closes
// after cancellation or Clear.
func (b *Bus) Subscribe(ctx context.Context, deploymentID string) (<-chan domain.LogEvent, func(), error) {
	s := b.stream(deploymentID)
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if !s.seeded {
		max, err := b.repo.MaxLogEventID(ctx, deploymentID)
		if err != nil {
			s.mu.Unlock()
			return nil, nil, fmt.Errorf("seed log counter: %w", err)
		}
		s.nextID = max
		s.seeded = true
	}
	boundary := s.nextID
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	replay, err := b.replayUpTo(ctx, deploymentID, boundary)
	if err != nil {
		s.detach(sub)
		return nil, nil, err
	}

	out := make(chan domain.LogEvent)
	go sub.pump(out, replay)

	cancel := func() {
		s.detach(sub)
		sub.close()
	}
	return out, cancel, nil
}

// replayUpTo reads the durable log through the boundary id, paging so long
// histories replay completely.
func (b *Bus) replayUpTo(ctx context.Context, deploymentID string, boundary int64) ([]domain.LogEvent, error) {
	var replay []domain.LogEvent
	var since int64
	for since < boundary {
		page, err := b.repo.ListLogEvents(ctx, deploymentID, domain.LogFilter{Limit: replayPageSize, SinceID: since})
		if err != nil {
			return nil, fmt.Errorf("replay log: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, event := range page {
			if event.ID > boundary {
				return replay, nil
			}
			replay = append(replay, event)
		}
		since = page[len(page)-1].ID
	}
	return replay, nil
}

// Clear removes the durable log, drops stream state, and detaches all
// subscribers.
func (b *Bus) Clear(ctx context.Context, deploymentID string) error {
	if err := b.repo.DeleteLogEvents(ctx, deploymentID); err != nil {
		return err
	}
	b.mu.Lock()
	s, ok := b.streams[deploymentID]
	if ok {
		delete(b.streams, deploymentID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[*subscriber]struct{}{}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

func (s *stream) detach(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// push enqueues an event for one subscriber, dropping the oldest buffered
// event when the bound is hit.
func (sub *subscriber) push(event domain.LogEvent) {
	sub.mu.Lock()
	if len(sub.queue) >= subscriberBuffer {
		sub.queue = sub.queue[1:]
		sub.dropped++
	}
	sub.queue = append(sub.queue, event)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.done) })
}

// pump feeds the subscriber channel: replay first, then the live queue, with
// a gap marker whenever the drop policy discarded events.
func (sub *subscriber) pump(out chan<- domain.LogEvent, replay []domain.LogEvent) {
	defer close(out)
	for _, event := range replay {
		select {
		case out <- event:
		case <-sub.done:
			return
		}
	}
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}
		for {
			sub.mu.Lock()
			dropped := sub.dropped
			sub.dropped = 0
			var next domain.LogEvent
			have := len(sub.queue) > 0
			if have {
				next = sub.queue[0]
				sub.queue = sub.queue[1:]
			}
			sub.mu.Unlock()

			if dropped > 0 {
				marker := domain.LogEvent{
					DeploymentID: next.DeploymentID,
					Timestamp:    time.Now().UTC(),
					Level:        domain.LevelWarn,
					Step:         StepStream,
					Message:      fmt.Sprintf("subscriber lagging: %d events dropped", dropped),
				}
				select {
				case out <- marker:
				case <-sub.done:
					return
				}
			}
			if !have {
				break
			}
			select {
			case out <- next:
			case <-sub.done:
				return
			}
		}
	}
}
