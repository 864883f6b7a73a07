package gencache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

const headerName = "X-Gencache"

// Service wires the classifier, the strategy executor and the generation
// manager behind an http.Handler (proxy mode) or an http.RoundTripper (client
// mode).
type Service struct {
	cfg Config
	log *zap.Logger

	storage    *Storage
	manager    *Manager
	classifier *Classifier
	executor   *Executor

	stats *statsCollector

	deployMu  sync.Mutex
	closeOnce sync.Once
	stopCh    chan struct{}
	wg       sync.WaitGroup
}

type serviceOptions struct {
	network   Network
	transport http.RoundTripper
	onClaim   func(string)
}

type Option func(*serviceOptions)

// WithNetwork replaces the HTTP network, mostly for tests.
func WithNetwork(n Network) Option {
	return func(o *serviceOptions) { o.network = n }
}

// WithTransport fetches through rt instead of http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *serviceOptions) { o.transport = rt }
}

// WithClaimHook runs fn whenever a generation takes control of clients.
func WithClaimHook(fn func(generation string)) Option {
	return func(o *serviceOptions) { o.onClaim = fn }
}

func NewService(cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.network == nil {
		o.network = NewHTTPNetwork(o.transport, cfg.timeoutDur)
	}

	storage, err := OpenStorage(cfg.Storage.Dir, log.Named("storage"))
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		storage: storage,
		manager: NewManager(ManagerOptions{
			Storage:     storage,
			Network:     o.network,
			Logger:      log.Named("generations"),
			Timeout:     cfg.timeoutDur,
			Concurrency: cfg.Install.Concurrency,
			OnClaim:     o.onClaim,
		}),
		classifier: NewClassifier(cfg),
		executor: NewExecutor(ExecutorOptions{
			Network:       o.network,
			Logger:        log.Named("executor"),
			Timeout:       cfg.timeoutDur,
			MaxEntryBytes: cfg.maxEntryBytes,
			OfflineURL:    cfg.offlineURL,
		}),
		stopCh: make(chan struct{}),
	}

	if cfg.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}
	return s, nil
}

// Start installs and immediately activates the configured generation.
func (s *Service) Start(ctx context.Context) error {
	return s.Deploy(ctx, s.cfg.Generation, s.cfg.manifestURLs)
}

// Deploy installs generation, primes it with manifest and activates it.
// Requests keep being served by the previous generation until activation
// completes.
func (s *Service) Deploy(ctx context.Context, generation string, manifest []string) error {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()

	if _, err := s.manager.Install(ctx, generation, manifest); err != nil {
		return err
	}
	_, err := s.manager.Activate(ctx, generation)
	return err
}

// Reload deploys cfg when it names a new generation. Other changes need a
// restart.
func (s *Service) Reload(ctx context.Context, cfg Config) error {
	if cfg.Generation == s.manager.Active() {
		s.log.Debug("config reloaded, generation unchanged", zap.String("generation", cfg.Generation))
		return nil
	}
	s.log.Info("new generation configured",
		zap.String("from", s.manager.Active()),
		zap.String("to", cfg.Generation),
	)
	return s.Deploy(ctx, cfg.Generation, cfg.manifestURLs)
}

func (s *Service) Manager() *Manager { return s.manager }

func (s *Service) Storage() *Storage { return s.storage }

// Close stops background work and closes storage. Extra calls are no-ops.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.executor.Wait()
		s.manager.Close()
		if err := s.storage.Close(); err != nil {
			s.log.Warn("close storage", zap.Error(err))
		}
	})
}

// serve classifies req and runs the matching strategy against the active
// generation.
func (s *Service) serve(ctx context.Context, req *http.Request) (CacheEntry, Category, Source, error) {
	cat := s.classifier.Classify(req)
	store := s.manager.Acquire()
	defer store.Release()

	ent, src, err := s.executor.Execute(ctx, cat, req, store)
	if err != nil {
		requestsTotal.WithLabelValues(string(cat), "error").Inc()
		return ent, cat, src, err
	}
	requestsTotal.WithLabelValues(string(cat), string(src)).Inc()
	if s.stats != nil {
		s.stats.Observe(src, len(ent.Body))
	}
	return ent, cat, src, nil
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	out, err := s.originRequest(r)
	if err != nil {
		setHeaders(w.Header(), "error")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ent, cat, src, err := s.serve(r.Context(), out)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.log.Debug("request failed", zap.String("url", out.URL.String()), zap.String("category", string(cat)), zap.Error(err))
		setHeaders(w.Header(), string(cat)+"/error")
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeEntry(w, ent, string(cat)+"/"+string(src))
}

// originRequest rewrites an incoming request onto the origin.
func (s *Service) originRequest(r *http.Request) (*http.Request, error) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()
	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if body != http.NoBody {
		req.ContentLength = r.ContentLength
	}
	return req, nil
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, value string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerName) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setHeaders(w.Header(), value)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setHeaders(h http.Header, value string) {
	if value != "" {
		h.Set(headerName, value)
	}
	// Custom headers are unreadable from browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, headerName)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// Transport returns a RoundTripper that intercepts every outgoing request of
// an in-process client.
func (s *Service) Transport() http.RoundTripper {
	return roundTripper{s: s}
}

type roundTripper struct{ s *Service }

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ent, cat, src, err := rt.s.serve(req.Context(), req)
	if err != nil {
		return nil, err
	}
	resp := ent.Response(req)
	resp.Header.Set(headerName, string(cat)+"/"+string(src))
	return resp, nil
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.String("generation", s.manager.Active()),
				zap.Uint64("responses", ss.TotalResponses),
				zap.Uint64("fromCache", ss.CacheResponses),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			}
			if store := s.manager.Acquire(); store != nil {
				if keys, err := store.Keys(); err == nil {
					fields = append(fields, zap.Int("entries", len(keys)))
				}
				store.Release()
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.log.Info("cache stats", fields...)
		}
	}
}
