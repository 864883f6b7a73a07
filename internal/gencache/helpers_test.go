package gencache

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOrigin = "http://origin.test"

// fakeNetwork serves canned bodies by URL and counts fetches.
type fakeNetwork struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
	down   bool
	gate   chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{bodies: map[string]string{}, calls: map[string]int{}}
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (CacheEntry, error) {
	n.mu.Lock()
	n.calls[req.URL.String()]++
	body, ok := n.bodies[req.URL.String()]
	down := n.down
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return CacheEntry{}, ctx.Err()
		}
	}
	if down {
		return CacheEntry{}, errors.New(errors.CodeNetwork, "network unreachable")
	}
	if !ok {
		return CacheEntry{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return CacheEntry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}, nil
}

func (n *fakeNetwork) set(url, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[url] = body
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

// hold makes every fetch block until the returned func is called.
func (n *fakeNetwork) hold() func() {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		n.gate = nil
		n.mu.Unlock()
		close(gate)
	}
}

func (n *fakeNetwork) callsTo(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func newMemStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenStorage("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openStore(t *testing.T, s *Storage, name string) *Store {
	t.Helper()
	st, err := s.Open(name)
	require.NoError(t, err)
	t.Cleanup(st.Release)
	return st
}

func getRequest(t *testing.T, url string, header ...string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

func textEntry(body string) CacheEntry {
	return CacheEntry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func mustMatch(t *testing.T, st *Store, req *http.Request) CacheEntry {
	t.Helper()
	ent, ok, err := st.Match(req)
	require.NoError(t, err)
	require.True(t, ok, "expected an entry for %s", requestKey(req))
	return ent
}
