package gencache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Strategy serves one request category against a generation store and the
// network. store may be nil when no generation is active; strategies then
// behave as network-only.
type Strategy interface {
	Serve(ctx context.Context, req *http.Request, store *Store) (CacheEntry, Source, error)
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Network Network
	Logger  *zap.Logger

	// Timeout bounds every network fetch, including detached ones.
	Timeout time.Duration
	// MaxEntryBytes skips storing larger bodies. Zero means no limit.
	MaxEntryBytes int64
	// OfflineURL is the absolute URL of the offline fallback document.
	OfflineURL string
}

// Executor holds one strategy per category. Network fetches run detached from
// the caller's context so a dropped request still fills the cache.
type Executor struct {
	net      Network
	log      *zap.Logger
	storeLog *rateLimitedLogger
	timeout  time.Duration
	maxEntry int64
	offline  string

	strategies map[Category]Strategy

	wg sync.WaitGroup
}

func NewExecutor(opts ExecutorOptions) *Executor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	x := &Executor{
		net:      opts.Network,
		log:      log,
		storeLog: newRateLimitedLogger(log, time.Minute),
		timeout:  timeout,
		maxEntry: opts.MaxEntryBytes,
		offline:  opts.OfflineURL,
	}
	x.strategies = map[Category]Strategy{
		CategoryNavigation:  networkFirst{x},
		CategoryImage:       cacheFirst{x},
		CategoryStyleScript: staleWhileRevalidate{x},
		CategoryOther:       networkWithCacheFallback{x},
	}
	return x
}

// Execute runs the strategy registered for cat.
func (x *Executor) Execute(ctx context.Context, cat Category, req *http.Request, store *Store) (CacheEntry, Source, error) {
	s, ok := x.strategies[cat]
	if !ok {
		s = x.strategies[CategoryOther]
	}
	return s.Serve(ctx, req, store)
}

// Wait blocks until every detached fetch and cache write has settled.
func (x *Executor) Wait() {
	x.wg.Wait()
}

type fetchResult struct {
	ent CacheEntry
	err error
}

// fetch starts a detached network fetch. The result is delivered before the
// cache write, so writing never delays the caller.
func (x *Executor) fetch(ctx context.Context, req *http.Request, store *Store) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	held := store.Retain()

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer held.Release()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.timeout)
		defer cancel()

		ent, err := x.net.Fetch(fctx, req)
		ch <- fetchResult{ent: ent, err: err}
		if err != nil {
			return
		}
		x.put(req, held, ent)
	}()
	return ch
}

func await(ctx context.Context, ch <-chan fetchResult) fetchResult {
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return fetchResult{err: ctx.Err()}
	}
}

func (x *Executor) lookup(req *http.Request, store *Store) (CacheEntry, bool) {
	if store == nil || !cacheableRequest(req) {
		return CacheEntry{}, false
	}
	ent, ok, err := store.Match(req)
	if err != nil {
		storeErrorsTotal.WithLabelValues("match").Inc()
		x.storeLog.Warn("store match failed, treating as miss", zap.String("key", requestKey(req)), zap.Error(err))
		return CacheEntry{}, false
	}
	return ent, ok
}

func (x *Executor) put(req *http.Request, store *Store, ent CacheEntry) {
	if store == nil || !cacheableRequest(req) || !storable(ent, x.maxEntry) {
		return
	}
	if err := store.Put(req, ent); err != nil {
		storeErrorsTotal.WithLabelValues("put").Inc()
		x.storeLog.Warn("store put failed", zap.String("key", requestKey(req)), zap.Error(err))
	}
}

func (x *Executor) offlineDocument(ctx context.Context, store *Store) CacheEntry {
	if x.offline != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.offline, nil)
		if err == nil {
			if ent, ok := x.lookup(req, store); ok {
				return ent
			}
		}
	}
	x.log.Warn("offline document not cached, serving built-in page", zap.String("url", x.offline))
	return builtinOffline()
}

// cacheableRequest reports whether req may read or write the store. Range
// requests go to the network only.
func cacheableRequest(req *http.Request) bool {
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	return req.Header.Get("Range") == ""
}

func builtinOffline() CacheEntry {
	return CacheEntry{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"text/html; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body: []byte("<!doctype html><html><head><title>Offline</title></head>" +
			"<body><h1>You are offline</h1><p>This page is not available right now.</p></body></html>"),
	}
}

// networkFirst serves navigations: HTML is never stale while the network is
// reachable.
type networkFirst struct{ x *Executor }

func (s networkFirst) Serve(ctx context.Context, req *http.Request, store *Store) (CacheEntry, Source, error) {
	res := await(ctx, s.x.fetch(ctx, req, store))
	if res.err == nil {
		return res.ent, SourceNetwork, nil
	}
	if ctx.Err() != nil {
		return CacheEntry{}, "", ctx.Err()
	}
	s.x.log.Debug("navigation fetch failed, falling back", zap.String("url", req.URL.String()), zap.Error(res.err))
	if ent, ok := s.x.lookup(req, store); ok {
		return ent, SourceCache, nil
	}
	return s.x.offlineDocument(ctx, store), SourceOffline, nil
}

// cacheFirst serves images: a hit never touches the network.
type cacheFirst struct{ x *Executor }

func (s cacheFirst) Serve(ctx context.Context, req *http.Request, store *Store) (CacheEntry, Source, error) {
	if ent, ok := s.x.lookup(req, store); ok {
		return ent, SourceCache, nil
	}
	res := await(ctx, s.x.fetch(ctx, req, store))
	if res.err != nil {
		return CacheEntry{}, "", res.err
	}
	return res.ent, SourceNetwork, nil
}

// staleWhileRevalidate serves stylesheets and scripts from cache at once and
// refreshes the stored copy in the background.
type staleWhileRevalidate struct{ x *Executor }

func (s staleWhileRevalidate) Serve(ctx context.Context, req *http.Request, store *Store) (CacheEntry, Source, error) {
	cached, hit := s.x.lookup(req, store)
	ch := s.x.fetch(ctx, req, store)
	if hit {
		return cached, SourceCache, nil
	}
	res := await(ctx, ch)
	if res.err != nil {
		return CacheEntry{}, "", res.err
	}
	return res.ent, SourceNetwork, nil
}

// networkWithCacheFallback serves everything else.
type networkWithCacheFallback struct{ x *Executor }

func (s networkWithCacheFallback) Serve(ctx context.Context, req *http.Request, store *Store) (CacheEntry, Source, error) {
	res := await(ctx, s.x.fetch(ctx, req, store))
	if res.err == nil {
		return res.ent, SourceNetwork, nil
	}
	if ctx.Err() != nil {
		return CacheEntry{}, "", ctx.Err()
	}
	if ent, ok := s.x.lookup(req, store); ok {
		return ent, SourceCache, nil
	}
	return CacheEntry{}, "", res.err
}
