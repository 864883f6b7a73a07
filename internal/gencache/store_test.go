package gencache

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStorePutMatch(t *testing.T) {
	store := openStore(t, newMemStorage(t), "g1")
	url := testOrigin + "/css/styles.css"

	_, ok, err := store.Match(getRequest(t, url))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(getRequest(t, url+"#top"), textEntry("v1")))
	require.Equal(t, "v1", string(mustMatch(t, store, getRequest(t, url)).Body))

	require.NoError(t, store.Put(getRequest(t, url), textEntry("v2")))
	require.Equal(t, "v2", string(mustMatch(t, store, getRequest(t, url)).Body))

	_, ok, err = store.Match(getRequest(t, url+"?v=2"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreVary(t *testing.T) {
	store := openStore(t, newMemStorage(t), "g1")
	url := testOrigin + "/api/greeting"

	ent := textEntry("bonjour")
	ent.Header.Set("Vary", "Accept-Language, Accept-Encoding")
	require.NoError(t, store.Put(getRequest(t, url, "Accept-Language", "fr"), ent))

	got := mustMatch(t, store, getRequest(t, url, "Accept-Language", "fr", "Accept-Encoding", "gzip"))
	require.Equal(t, "bonjour", string(got.Body))

	_, ok, err := store.Match(getRequest(t, url, "Accept-Language", "en"))
	require.NoError(t, err)
	require.False(t, ok)

	star := textEntry("never")
	star.Header.Set("Vary", "*")
	require.NoError(t, store.Put(getRequest(t, url+"/star"), star))
	_, ok, err = store.Match(getRequest(t, url+"/star"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStorageDeleteWaitsForHandles(t *testing.T) {
	dir := t.TempDir()
	storage, err := OpenStorage(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	url := testOrigin + "/a.js"
	held, err := storage.Open("cabana-v6")
	require.NoError(t, err)
	require.NoError(t, held.Put(getRequest(t, url), textEntry("old")))

	require.NoError(t, storage.Delete("cabana-v6"))
	names, err := storage.Names()
	require.NoError(t, err)
	require.Empty(t, names)

	// The handle captured before deletion keeps working.
	require.Equal(t, "old", string(mustMatch(t, held, getRequest(t, url)).Body))
	require.DirExists(t, filepath.Join(dir, "cabana-v6"))

	held.Release()
	require.NoDirExists(t, filepath.Join(dir, "cabana-v6"))
	require.Nil(t, held.Retain())
}

func TestStorageOpenRevivesPendingDeletion(t *testing.T) {
	storage := newMemStorage(t)
	url := testOrigin + "/a.js"

	held := openStore(t, storage, "g1")
	require.NoError(t, held.Put(getRequest(t, url), textEntry("kept")))
	require.NoError(t, storage.Delete("g1"))

	again := openStore(t, storage, "g1")
	require.Equal(t, "kept", string(mustMatch(t, again, getRequest(t, url)).Body))

	names, err := storage.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"g1"}, names)
}

func TestStorageNamesFindsGenerationsFromEarlierRuns(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenStorage(dir, zap.NewNop())
	require.NoError(t, err)
	for _, name := range []string{"v1", "release/2"} {
		st, err := first.Open(name)
		require.NoError(t, err)
		st.Release()
	}
	require.NoError(t, first.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray-file"), []byte("x"), 0o644))

	second, err := OpenStorage(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	names, err := second.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"release/2", "v1"}, names)

	require.NoError(t, second.Delete("release/2"))
	require.NoDirExists(t, filepath.Join(dir, url.PathEscape("release/2")))
	require.NoError(t, second.Delete("never-existed"))
}

func TestStorageRejectsBadNames(t *testing.T) {
	storage := newMemStorage(t)
	for _, name := range []string{"", ".", ".."} {
		_, err := storage.Open(name)
		require.Error(t, err, "name %q", name)
	}
}

func TestRequestKey(t *testing.T) {
	req := getRequest(t, "http://origin.test/a/b.css?x=1#frag")
	require.Equal(t, "GET http://origin.test/a/b.css?x=1", requestKey(req))

	req.Method = http.MethodHead
	require.Equal(t, "HEAD http://origin.test/a/b.css?x=1", requestKey(req))
}

func TestStorageOpenWaitsForDestroy(t *testing.T) {
	dir := t.TempDir()
	storage, err := OpenStorage(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	url := testOrigin + "/a.js"
	held, err := storage.Open("g1")
	require.NoError(t, err)
	require.NoError(t, held.Put(getRequest(t, url), textEntry("old")))
	require.NoError(t, storage.Delete("g1"))

	started, unblock := make(chan struct{}), make(chan struct{})
	removeAll = func(path string) error {
		close(started)
		<-unblock
		return os.RemoveAll(path)
	}
	t.Cleanup(func() { removeAll = os.RemoveAll })

	go held.Release()
	<-started

	type result struct {
		st  *Store
		err error
	}
	opened := make(chan result, 1)
	go func() {
		st, err := storage.Open("g1")
		opened <- result{st, err}
	}()

	select {
	case <-opened:
		t.Fatal("Open returned while the generation was being removed")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	var res result
	select {
	case res = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after removal finished")
	}
	require.NoError(t, res.err)
	t.Cleanup(res.st.Release)

	_, ok, err := res.st.Match(getRequest(t, url))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, res.st.Put(getRequest(t, url), textEntry("fresh")))
	require.Equal(t, "fresh", string(mustMatch(t, res.st, getRequest(t, url)).Body))
	require.DirExists(t, filepath.Join(dir, "g1"))
}
