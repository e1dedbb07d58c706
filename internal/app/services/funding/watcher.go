package funding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/events"
	"github.com/R3E-Network/pledgevault/internal/app/metrics"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
	"github.com/R3E-Network/pledgevault/internal/app/system"
	"github.com/R3E-Network/pledgevault/pkg/logger"
)

// DefaultWatcherSchedule runs the deadline sweep once a minute.
const DefaultWatcherSchedule = "@every 1m"

// ExpiredProjects lists open projects whose deadline has passed. The engine
// never closes them itself; closing stays an owner decision.
func (s *Service) ExpiredProjects(ctx context.Context) ([]project.Project, error) {
	now := s.now()
	var expired []project.Project
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		projects, err := tx.ListProjects()
		if err != nil {
			return err
		}
		for _, p := range projects {
			if p.Status == project.StatusOpen && now.After(p.Deadline) {
				expired = append(expired, p)
			}
		}
		return nil
	})
	return expired, err
}

// DeadlineWatcher periodically sweeps for open projects past their deadline
// and emits one project.deadline_reached event per project. Signals are
// deduplicated for the process lifetime, so restarts may repeat them.
type DeadlineWatcher struct {
	service  *Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	seen    map[string]struct{}
}

var _ system.Service = (*DeadlineWatcher)(nil)

// NewDeadlineWatcher builds a watcher on the given cron schedule. The
// schedule accepts standard five-field cron expressions and descriptors like
// "@every 1m"; an empty schedule uses DefaultWatcherSchedule.
func NewDeadlineWatcher(service *Service, schedule string, log *logger.Logger) (*DeadlineWatcher, error) {
	if service == nil {
		return nil, fmt.Errorf("funding service is required")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultWatcherSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("watcher schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = logger.NewDefault("deadline-watcher")
	}

	return &DeadlineWatcher{
		service:  service,
		schedule: schedule,
		log:      log,
		seen:     make(map[string]struct{}),
	}, nil
}

// Name implements system.Service.
func (w *DeadlineWatcher) Name() string { return "deadline-watcher" }

// Start schedules the sweep. It fails if the watcher is already running.
func (w *DeadlineWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("deadline watcher already running")
	}

	c := cron.New()
	_, err := c.AddFunc(w.schedule, func() {
		if _, err := w.Sweep(context.Background()); err != nil {
			w.log.WithError(err).Warn("deadline sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule deadline sweep: %w", err)
	}
	c.Start()

	w.cron = c
	w.running = true
	w.log.WithField("schedule", w.schedule).Info("deadline watcher started")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish, bounded
// by the context.
func (w *DeadlineWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.running = false
	w.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		w.log.Info("deadline watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one scan immediately and returns how many projects were newly
// signaled. The cron schedule calls it; tests invoke it directly.
func (w *DeadlineWatcher) Sweep(ctx context.Context) (int, error) {
	expired, err := w.service.ExpiredProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list expired projects: %w", err)
	}

	w.mu.Lock()
	fresh := expired[:0]
	for _, p := range expired {
		if _, ok := w.seen[p.ID]; ok {
			continue
		}
		w.seen[p.ID] = struct{}{}
		fresh = append(fresh, p)
	}
	w.mu.Unlock()

	for _, p := range fresh {
		w.service.sink.Publish(events.DeadlineReached(p.ID, p.Raised))
		w.log.WithField("project_id", p.ID).
			WithField("raised", p.Raised).
			Info("project deadline reached")
	}
	metrics.RecordDeadlineSweep(len(fresh))
	return len(fresh), nil
}
