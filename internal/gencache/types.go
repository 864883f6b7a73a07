package gencache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Category is the classification bucket that decides which strategy serves a
// request.
type Category string

const (
	CategoryNavigation  Category = "navigation-document"
	CategoryImage       Category = "image-asset"
	CategoryStyleScript Category = "style-or-script-asset"
	CategoryOther       Category = "other"
)

// Source tells where a served response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// CacheEntry is an immutable response snapshot. Once written to a store it is
// only ever replaced wholesale.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// Vary holds the request header values named by the response Vary header,
	// captured when the entry was written.
	Vary map[string]string
}

// Response builds a fresh *http.Response over the snapshot. Each call gets its
// own body reader, so the same entry can be both stored and returned.
func (e CacheEntry) Response(req *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e CacheEntry) ok() bool {
	return e.Status >= 200 && e.Status < 300
}
