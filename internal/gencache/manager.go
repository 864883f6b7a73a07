package gencache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InstallReport describes how priming a generation went. Failed entries do not
// fail the install; the generation is simply not fully primed.
type InstallReport struct {
	Generation string
	Primed     []string
	Failed     []string
}

// Complete reports whether every manifest entry was primed.
func (r InstallReport) Complete() bool { return len(r.Failed) == 0 }

// ActivateReport lists what activation removed. Generations in Failed stay on
// storage until a later activation retries them.
type ActivateReport struct {
	Generation string
	Previous   string
	Deleted    []string
	Failed     []string
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Storage     *Storage
	Network     Network
	Logger      *zap.Logger
	Timeout     time.Duration
	Concurrency int

	// OnClaim runs after activation, once requests route through the new
	// generation.
	OnClaim func(generation string)
}

// Manager owns the active generation. Install and Activate are serialized;
// requests keep using whatever handle they captured while a swap happens.
type Manager struct {
	storage     *Storage
	net         Network
	log         *zap.Logger
	timeout     time.Duration
	concurrency int
	onClaim     func(string)

	lifecycle sync.Mutex

	mu        sync.RWMutex
	active    *Store
	installed map[string]*Store
}

func NewManager(opts ManagerOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Manager{
		storage:     opts.Storage,
		net:         opts.Network,
		log:         log,
		timeout:     timeout,
		concurrency: concurrency,
		onClaim:     opts.OnClaim,
		installed:   map[string]*Store{},
	}
}

// Install opens (creating if absent) the store for generation and primes it
// with manifest. Priming is best-effort: failures are logged and reported, and
// the install still completes. Only failing to open the store is an error.
func (m *Manager) Install(ctx context.Context, generation string, manifest []string) (InstallReport, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	report := InstallReport{Generation: generation}
	store, err := m.storage.Open(generation)
	if err != nil {
		return report, err
	}

	m.log.Info("installing generation", zap.String("generation", generation), zap.Int("manifest", len(manifest)))

	errs := make([]error, len(manifest))
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, u := range manifest {
		g.Go(func() error {
			errs[i] = m.prime(ctx, store, u)
			return nil
		})
	}
	_ = g.Wait()

	for i, u := range manifest {
		if errs[i] != nil {
			primingFailuresTotal.Inc()
			m.log.Warn("manifest entry not primed", zap.String("generation", generation), zap.String("url", u), zap.Error(errs[i]))
			report.Failed = append(report.Failed, u)
			continue
		}
		report.Primed = append(report.Primed, u)
	}

	m.mu.Lock()
	prev := m.installed[generation]
	m.installed[generation] = store
	m.mu.Unlock()
	prev.Release()

	m.log.Info("generation installed",
		zap.String("generation", generation),
		zap.Int("primed", len(report.Primed)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (m *Manager) prime(ctx context.Context, store *Store, u string) error {
	fctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInvalidInput, "manifest url %q", u)
	}
	req.Header.Set("Accept-Encoding", "identity")

	ent, err := m.net.Fetch(fctx, req)
	if err != nil {
		return err
	}
	if !ent.ok() {
		return errors.Newf(errors.CodeNetwork, "unexpected status %d", ent.Status)
	}
	return store.Put(req, ent)
}

// Activate deletes every generation other than generation, then routes future
// requests through it. Deletion failures are logged and reported but do not
// block activation.
func (m *Manager) Activate(ctx context.Context, generation string) (ActivateReport, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	report := ActivateReport{Generation: generation}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	m.mu.RLock()
	next := m.installed[generation]
	cur := m.active
	m.mu.RUnlock()
	if cur != nil {
		report.Previous = cur.Name()
	}
	if next == nil {
		if cur != nil && cur.Name() == generation {
			m.claim(generation)
			return report, nil
		}
		return report, errors.Newf(errors.CodeNotFound, "generation %q was not installed", generation)
	}

	names, err := m.storage.Names()
	if err != nil {
		m.log.Warn("list generations failed, skipping cleanup", zap.Error(err))
	}
	for _, name := range names {
		if name == generation {
			continue
		}
		if err := m.storage.Delete(name); err != nil {
			generationsDeletedTotal.WithLabelValues("failed").Inc()
			m.log.Warn("delete stale generation failed", zap.String("generation", name), zap.Error(err))
			report.Failed = append(report.Failed, name)
			continue
		}
		generationsDeletedTotal.WithLabelValues("deleted").Inc()
		m.log.Info("deleted stale generation", zap.String("generation", name))
		report.Deleted = append(report.Deleted, name)
	}

	m.mu.Lock()
	prev := m.active
	m.active = next
	var dropped []*Store
	for name, h := range m.installed {
		if name != generation {
			dropped = append(dropped, h)
		}
		delete(m.installed, name)
	}
	m.mu.Unlock()

	prev.Release()
	for _, h := range dropped {
		h.Release()
	}

	activationsTotal.Inc()
	m.claim(generation)
	return report, nil
}

func (m *Manager) claim(generation string) {
	m.log.Info("generation active, controlling clients", zap.String("generation", generation))
	if m.onClaim != nil {
		m.onClaim(generation)
	}
}

// Active returns the name of the active generation, or "" before the first
// activation.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.Name()
}

// Acquire returns a handle on the active generation for one request, or nil if
// none is active. The caller must Release it.
func (m *Manager) Acquire() *Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Retain()
}

// Close releases the manager's own handles.
func (m *Manager) Close() {
	m.mu.Lock()
	active := m.active
	m.active = nil
	installed := m.installed
	m.installed = map[string]*Store{}
	m.mu.Unlock()

	active.Release()
	for _, h := range installed {
		h.Release()
	}
}
