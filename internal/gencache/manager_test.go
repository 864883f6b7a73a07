package gencache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, net Network) (*Manager, *Storage) {
	t.Helper()
	storage := newMemStorage(t)
	m := NewManager(ManagerOptions{Storage: storage, Network: net})
	t.Cleanup(m.Close)
	return m, storage
}

func TestInstallPrimesManifest(t *testing.T) {
	net := newFakeNetwork()
	css, js, offline := testOrigin+"/css/styles.css", testOrigin+"/js/app.js", testOrigin+"/offline.html"
	net.set(css, "css")
	net.set(js, "js")
	net.set(offline, "<h1>offline</h1>")
	m, storage := newTestManager(t, net)

	report, err := m.Install(context.Background(), "v1", []string{css, js, offline})
	require.NoError(t, err)
	require.True(t, report.Complete())
	require.ElementsMatch(t, []string{css, js, offline}, report.Primed)

	store := openStore(t, storage, "v1")
	keys, err := store.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.Equal(t, "js", string(mustMatch(t, store, getRequest(t, js)).Body))
}

func TestInstallIsBestEffort(t *testing.T) {
	net := newFakeNetwork()
	css, missing := testOrigin+"/css/styles.css", testOrigin+"/gone.js"
	net.set(css, "css")
	m, _ := newTestManager(t, net)

	report, err := m.Install(context.Background(), "v1", []string{css, missing})
	require.NoError(t, err)
	require.False(t, report.Complete())
	require.Equal(t, []string{css}, report.Primed)
	require.Equal(t, []string{missing}, report.Failed)

	_, err = m.Activate(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, "v1", m.Active())
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	net := newFakeNetwork()
	css := testOrigin + "/css/styles.css"
	net.set(css, "v1 css")
	var claimed []string
	storage := newMemStorage(t)
	m := NewManager(ManagerOptions{
		Storage: storage,
		Network: net,
		OnClaim: func(g string) { claimed = append(claimed, g) },
	})
	t.Cleanup(m.Close)

	_, err := m.Install(context.Background(), "g1", []string{css})
	require.NoError(t, err)
	report, err := m.Activate(context.Background(), "g1")
	require.NoError(t, err)
	require.Empty(t, report.Previous)

	inflight := m.Acquire()
	require.NotNil(t, inflight)

	net.set(css, "v2 css")
	_, err = m.Install(context.Background(), "g2", []string{css})
	require.NoError(t, err)
	require.Equal(t, "g1", m.Active(), "installing must not switch generations")

	report, err = m.Activate(context.Background(), "g2")
	require.NoError(t, err)
	require.Equal(t, "g1", report.Previous)
	require.Equal(t, []string{"g1"}, report.Deleted)
	require.Equal(t, []string{"g1", "g2"}, claimed)

	names, err := storage.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"g2"}, names)

	// A request that captured g1 before activation finishes against it.
	require.Equal(t, "g1", inflight.Name())
	require.Equal(t, "v1 css", string(mustMatch(t, inflight, getRequest(t, css)).Body))
	inflight.Release()
	require.Nil(t, inflight.Retain())

	current := m.Acquire()
	defer current.Release()
	require.Equal(t, "g2", current.Name())
	require.Equal(t, "v2 css", string(mustMatch(t, current, getRequest(t, css)).Body))
}

func TestActivateDropsInstalledButSupersededGenerations(t *testing.T) {
	m, storage := newTestManager(t, newFakeNetwork())

	for _, g := range []string{"a", "b", "c"} {
		_, err := m.Install(context.Background(), g, nil)
		require.NoError(t, err)
	}
	report, err := m.Activate(context.Background(), "c")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, report.Deleted)

	names, err := storage.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, names)

	_, err = m.Activate(context.Background(), "b")
	require.Error(t, err)
	require.Equal(t, errors.CodeNotFound, errors.GetCode(err))
}

func TestActivateUnknownGeneration(t *testing.T) {
	m, _ := newTestManager(t, newFakeNetwork())

	_, err := m.Activate(context.Background(), "nope")
	require.Error(t, err)
	require.Equal(t, errors.CodeNotFound, errors.GetCode(err))
	require.Empty(t, m.Active())
	require.Nil(t, m.Acquire())
}

func TestActivateAgainReclaims(t *testing.T) {
	m, _ := newTestManager(t, newFakeNetwork())

	_, err := m.Install(context.Background(), "v1", nil)
	require.NoError(t, err)
	_, err = m.Activate(context.Background(), "v1")
	require.NoError(t, err)

	report, err := m.Activate(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, "v1", report.Previous)
	require.Empty(t, report.Deleted)
	require.Equal(t, "v1", m.Active())
}

func TestActivateSurvivesDeletionFailure(t *testing.T) {
	dir := t.TempDir()
	earlier, err := OpenStorage(dir, nil)
	require.NoError(t, err)
	old, err := earlier.Open("old")
	require.NoError(t, err)
	old.Release()
	require.NoError(t, earlier.Close())

	storage, err := OpenStorage(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	m := NewManager(ManagerOptions{Storage: storage, Network: newFakeNetwork()})
	t.Cleanup(m.Close)

	removeAll = func(path string) error {
		if filepath.Base(path) == "old" {
			return os.ErrPermission
		}
		return os.RemoveAll(path)
	}
	t.Cleanup(func() { removeAll = os.RemoveAll })

	_, err = m.Install(context.Background(), "v1", nil)
	require.NoError(t, err)
	report, err := m.Activate(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, report.Failed)
	require.Empty(t, report.Deleted)
	require.Equal(t, "v1", m.Active())

	names, err := storage.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"old", "v1"}, names)

	// The leftover is retried on the next activation.
	removeAll = os.RemoveAll
	_, err = m.Install(context.Background(), "v2", nil)
	require.NoError(t, err)
	report, err = m.Activate(context.Background(), "v2")
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Equal(t, []string{"old", "v1"}, report.Deleted)

	names, err = storage.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, names)
	require.NoDirExists(t, filepath.Join(dir, "old"))
}
