package app

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/pledgevault/internal/app/cache"
	"github.com/R3E-Network/pledgevault/internal/app/events"
	"github.com/R3E-Network/pledgevault/internal/app/services/funding"
	"github.com/R3E-Network/pledgevault/internal/app/services/ledger"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
	"github.com/R3E-Network/pledgevault/internal/app/storage/memory"
	"github.com/R3E-Network/pledgevault/internal/app/system"
	"github.com/R3E-Network/pledgevault/pkg/logger"
)

// Options tunes the optional application dependencies. The zero value is a
// complete development setup: in-memory persistence and cache, default
// platform policy, the standard deadline sweep cadence.
type Options struct {
	// Store is the persistence backend. Nil defaults to in-memory.
	Store storage.Store

	// Policy is the platform fee and custody policy. The zero value takes
	// the platform defaults.
	Policy funding.Policy

	// Cache serves read-side lookups. Nil defaults to in-memory.
	Cache cache.Cache

	// CacheTTL bounds cached view staleness. Zero takes the engine default.
	CacheTTL time.Duration

	// EventHistory is the event ring capacity. Zero takes the ring default.
	EventHistory int

	// WatcherSchedule is the deadline sweep cron expression. Empty takes
	// funding.DefaultWatcherSchedule.
	WatcherSchedule string
}

// Application ties the funding services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cache   cache.Cache

	Funding *funding.Service
	Ledger  *ledger.Service
	Events  *events.Ring
	Watcher *funding.DeadlineWatcher
}

// New builds a fully initialised application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	store := opts.Store
	if store == nil {
		store = memory.New()
	}
	if opts.Policy == (funding.Policy{}) {
		opts.Policy = funding.DefaultPolicy()
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewMemory()
	}

	ring := events.NewRing(opts.EventHistory)

	fundingSvc, err := funding.New(store, opts.Policy, log,
		funding.WithEvents(ring),
		funding.WithCache(c, opts.CacheTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("build funding service: %w", err)
	}

	ledgerSvc, err := ledger.New(store, log)
	if err != nil {
		return nil, fmt.Errorf("build ledger service: %w", err)
	}

	watcher, err := funding.NewDeadlineWatcher(fundingSvc, opts.WatcherSchedule, log)
	if err != nil {
		return nil, fmt.Errorf("build deadline watcher: %w", err)
	}

	manager := system.NewManager()
	if err := manager.Register(watcher); err != nil {
		return nil, fmt.Errorf("register %s: %w", watcher.Name(), err)
	}

	return &Application{
		manager: manager,
		log:     log,
		cache:   c,
		Funding: fundingSvc,
		Ledger:  ledgerSvc,
		Events:  ring,
		Watcher: watcher,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops background services and releases the cache.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if cerr := a.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
