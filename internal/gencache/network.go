package gencache

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// Network performs the real fetch behind the cache. A non-2xx status is a
// successful fetch; only transport failures are errors.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (CacheEntry, error)
}

type httpNetwork struct {
	client *http.Client
}

// NewHTTPNetwork fetches through rt. Redirects are handed back to the caller
// instead of being followed.
func NewHTTPNetwork(rt http.RoundTripper, timeout time.Duration) Network {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &httpNetwork{client: &http.Client{
		Transport: rt,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (n *httpNetwork) Fetch(ctx context.Context, req *http.Request) (CacheEntry, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""

	resp, err := n.client.Do(out)
	if err != nil {
		return CacheEntry{}, errors.Wrapf(err, errors.CodeNetwork, "fetch %s", req.URL)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, errors.Wrapf(err, errors.CodeNetwork, "read body of %s", req.URL)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// storable reports whether a response may be written to a store. Partial
// content is never stored: it would answer later full requests for the URL.
func storable(ent CacheEntry, maxBytes int64) bool {
	if !ent.ok() || ent.Status == http.StatusPartialContent {
		return false
	}
	if maxBytes > 0 && int64(len(ent.Body)) > maxBytes {
		return false
	}
	cc := strings.ToLower(ent.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
