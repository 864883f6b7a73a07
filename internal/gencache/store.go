package gencache

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const entryPrefix = "e:"

// removeAll is swapped in tests to simulate filesystem failures.
var removeAll = os.RemoveAll

// Storage is the registry of cache generations. Every generation is its own
// LevelDB database under dir; an empty dir keeps generations in memory.
//
// Deleting a generation unregisters it at once, but the database is closed and
// removed only when the last Store handle on it is released, so requests that
// already captured a handle finish against it.
type Storage struct {
	dir string
	log *zap.Logger

	mu   sync.Mutex
	gens map[string]*generation
}

type generation struct {
	name   string
	path   string
	db     *leveldb.DB
	refs   int
	doomed bool
	closed bool

	// destroying is closed once the database is closed and its files are
	// gone. The generation stays registered until then.
	destroying chan struct{}
}

func OpenStorage(dir string, log *zap.Logger) (*Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "create storage dir %s", dir)
		}
	}
	return &Storage{dir: dir, log: log, gens: map[string]*generation{}}, nil
}

// Open returns a handle on the named generation, creating it if absent. A
// generation pending deletion is revived. If the generation is being destroyed,
// Open waits for that to finish and creates a fresh one. The caller must
// Release the handle.
func (s *Storage) Open(name string) (*Store, error) {
	if name == "" || name == "." || name == ".." {
		return nil, errors.Newf(errors.CodeInvalidInput, "invalid generation name %q", name)
	}

	s.mu.Lock()
	for {
		g, ok := s.gens[name]
		if ok && g.destroying != nil {
			done := g.destroying
			s.mu.Unlock()
			<-done
			s.mu.Lock()
			continue
		}
		if !ok {
			var err error
			g, err = s.openGeneration(name)
			if err != nil {
				s.mu.Unlock()
				return nil, err
			}
			s.gens[name] = g
		}
		g.doomed = false
		g.refs++
		s.mu.Unlock()
		return &Store{storage: s, gen: g}, nil
	}
}

func (s *Storage) openGeneration(name string) (*generation, error) {
	g := &generation{name: name}
	if s.dir == "" {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "open generation %q", name)
		}
		g.db = db
		return g, nil
	}

	g.path = filepath.Join(s.dir, url.PathEscape(name))
	db, err := leveldb.OpenFile(g.path, nil)
	if lerrors.IsCorrupted(err) {
		s.log.Warn("generation store corrupted, recovering", zap.String("generation", name), zap.Error(err))
		db, err = leveldb.RecoverFile(g.path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open generation %q", name)
	}
	g.db = db
	return g, nil
}

// Names enumerates every generation that exists and is not pending deletion,
// including ones left on disk by earlier processes.
func (s *Storage) Names() ([]string, error) {
	set := map[string]struct{}{}
	doomed := map[string]struct{}{}

	s.mu.Lock()
	for n, g := range s.gens {
		if g.doomed {
			doomed[n] = struct{}{}
			continue
		}
		set[n] = struct{}{}
	}
	s.mu.Unlock()

	if s.dir != "" {
		ents, err := os.ReadDir(s.dir)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "list generations in %s", s.dir)
		}
		for _, e := range ents {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			n, err := url.PathUnescape(e.Name())
			if err != nil {
				continue
			}
			if _, ok := doomed[n]; ok {
				continue
			}
			set[n] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Delete drops a generation. Deleting an unknown generation is a no-op.
func (s *Storage) Delete(name string) error {
	s.mu.Lock()
	g, ok := s.gens[name]
	if ok {
		if g.doomed {
			s.mu.Unlock()
			return nil
		}
		g.doomed = true
		if g.refs > 0 {
			refs := g.refs
			s.mu.Unlock()
			s.log.Debug("generation deletion deferred", zap.String("generation", name), zap.Int("handles", refs))
			return nil
		}
		s.beginDestroy(g)
		s.mu.Unlock()
		err := s.destroy(g)
		s.finishDestroy(g)
		return err
	}
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, url.PathEscape(name))
	if err := removeAll(path); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "remove generation %q", name)
	}
	return nil
}

// Close closes every open generation regardless of outstanding handles.
func (s *Storage) Close() error {
	s.mu.Lock()
	gens := make([]*generation, 0, len(s.gens))
	for _, g := range s.gens {
		if !g.closed {
			g.closed = true
			gens = append(gens, g)
		}
	}
	s.gens = map[string]*generation{}
	s.mu.Unlock()

	var firstErr error
	for _, g := range gens {
		if err := g.db.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, errors.CodeDatabase, "close generation %q", g.name)
		}
	}
	return firstErr
}

func (s *Storage) destroy(g *generation) error {
	if err := g.db.Close(); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "close generation %q", g.name)
	}
	if g.path == "" {
		return nil
	}
	if err := removeAll(g.path); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "remove generation %q", g.name)
	}
	return nil
}

func (s *Storage) release(g *generation) {
	s.mu.Lock()
	g.refs--
	if g.refs > 0 || !g.doomed || g.closed {
		s.mu.Unlock()
		return
	}
	s.beginDestroy(g)
	s.mu.Unlock()

	err := s.destroy(g)
	s.finishDestroy(g)
	if err != nil {
		s.log.Warn("stale generation cleanup failed", zap.String("generation", g.name), zap.Error(err))
		return
	}
	s.log.Info("stale generation removed", zap.String("generation", g.name))
}

// beginDestroy marks g closed while keeping it registered, so a concurrent
// Open of the same name waits instead of racing the file removal. s.mu must
// be held.
func (s *Storage) beginDestroy(g *generation) {
	g.closed = true
	g.doomed = true
	g.destroying = make(chan struct{})
}

func (s *Storage) finishDestroy(g *generation) {
	s.mu.Lock()
	if cur, ok := s.gens[g.name]; ok && cur == g {
		delete(s.gens, g.name)
	}
	s.mu.Unlock()
	close(g.destroying)
}

// Store is a reference-counted handle on one generation.
type Store struct {
	storage *Storage
	gen     *generation
	once    sync.Once
}

func (st *Store) Name() string { return st.gen.name }

// Retain returns an extra handle on the same generation, or nil if the
// generation has already been closed.
func (st *Store) Retain() *Store {
	if st == nil {
		return nil
	}
	st.storage.mu.Lock()
	defer st.storage.mu.Unlock()
	if st.gen.closed {
		return nil
	}
	st.gen.refs++
	return &Store{storage: st.storage, gen: st.gen}
}

// Release gives the handle back. Extra calls are no-ops.
func (st *Store) Release() {
	if st == nil {
		return
	}
	st.once.Do(func() { st.storage.release(st.gen) })
}

// Match looks up the entry stored for req. A stored entry whose Vary snapshot
// disagrees with req is a miss.
func (st *Store) Match(req *http.Request) (CacheEntry, bool, error) {
	b, err := st.gen.db.Get([]byte(entryPrefix+requestKey(req)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, errors.Wrapf(err, errors.CodeDatabase, "match in generation %q", st.gen.name)
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, errors.Wrapf(err, errors.CodeDatabase, "decode entry in generation %q", st.gen.name)
	}
	if !ent.varyMatches(req) {
		return CacheEntry{}, false, nil
	}
	return ent, true, nil
}

// Put replaces the entry stored for req. Responses with "Vary: *" are never
// stored.
func (st *Store) Put(req *http.Request, ent CacheEntry) error {
	vary, ok := varySnapshot(req, ent.Header)
	if !ok {
		return nil
	}
	ent.Vary = vary
	b, err := encodeGob(ent)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "encode entry")
	}
	if err := st.gen.db.Put([]byte(entryPrefix+requestKey(req)), b, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "put in generation %q", st.gen.name)
	}
	return nil
}

// Keys lists the request keys stored in the generation.
func (st *Store) Keys() ([]string, error) {
	it := st.gen.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(entryPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "iterate generation %q", st.gen.name)
	}
	return out, nil
}

// requestKey is the method plus the absolute URL without its fragment.
func requestKey(req *http.Request) string {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment, u.RawFragment = "", ""
	return method + " " + u.String()
}

// varySnapshot captures the request values of the headers the response varies
// on. Accept-Encoding is skipped because stored bodies are always decoded.
func varySnapshot(req *http.Request, h http.Header) (map[string]string, bool) {
	var out map[string]string
	for _, v := range h.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = http.CanonicalHeaderKey(strings.TrimSpace(name))
			switch name {
			case "", "Accept-Encoding":
				continue
			case "*":
				return nil, false
			}
			if out == nil {
				out = map[string]string{}
			}
			out[name] = strings.Join(req.Header.Values(name), ",")
		}
	}
	return out, true
}

func (e CacheEntry) varyMatches(req *http.Request) bool {
	for name, want := range e.Vary {
		if strings.Join(req.Header.Values(name), ",") != want {
			return false
		}
	}
	return true
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
