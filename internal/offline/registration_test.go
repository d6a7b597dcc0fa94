package offline

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var siteAssets = []string{"/", "/index.html", "/app.js", "/styles.css"}

type regFixture struct {
	store   *LevelStore
	net     *fakeNetwork
	metrics *Metrics
	reg     *Registration
}

func newRegFixture(t *testing.T, wrap func(*LevelStore) CacheStore) *regFixture {
	t.Helper()
	f := &regFixture{
		store:   newTestStore(t, StoreOptions{}),
		net:     newFakeNetwork(sitePages()),
		metrics: NewMetrics(),
	}
	var store CacheStore = f.store
	if wrap != nil {
		store = wrap(f.store)
	}
	f.reg = NewRegistration(RegistrationOptions{
		Store:   store,
		Network: f.net,
		Logger:  quietLogger(),
		Metrics: f.metrics,
	})
	t.Cleanup(f.reg.Close)
	return f
}

func (f *regFixture) generations(t *testing.T) []string {
	t.Helper()
	gens, err := f.store.Generations()
	require.NoError(t, err)
	return gens
}

func holdWaiting(cfg Config) Config {
	skip := false
	cfg.Precache.SkipWaiting = &skip
	return cfg
}

func TestRegisterPrecachesManifest(t *testing.T) {
	f := newRegFixture(t, nil)
	cfg := testConfig(t, "1.0.1", siteAssets...)

	w, err := f.reg.Register(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, StateActive, w.State())
	assert.Same(t, w, f.reg.Active())
	assert.Equal(t, "v1.0.1", w.Version())
	assert.Equal(t, []string{"static-v1.0.1"}, f.generations(t))

	for _, a := range siteAssets {
		ent, ok, err := f.store.LookupIn("static-v1.0.1", KeyFor(http.MethodGet, testOrigin+a))
		require.NoError(t, err)
		require.True(t, ok, a)
		assert.Equal(t, http.StatusOK, ent.Status)
	}
	_, ok, err := f.store.LookupIn("static-v1.0.1", KeyFor(http.MethodGet, testOrigin+"/other.js"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterServesPrecachedAssetsOffline(t *testing.T) {
	f := newRegFixture(t, nil)
	_, err := f.reg.Register(context.Background(), testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	f.net.offline.Store(true)

	resp, err := f.reg.Fetch(context.Background(), getRequest(t, testOrigin+"/app.js", ""))
	require.NoError(t, err)
	assert.Equal(t, "console.log('app')", readBody(t, resp))
}

func TestRegisterInstallFailureLeavesNothing(t *testing.T) {
	f := newRegFixture(t, nil)
	cfg := testConfig(t, "1.0.1", "/", "/index.html", "/missing.js")

	w, err := f.reg.Register(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstall)
	require.NotNil(t, w)
	assert.Equal(t, StateRedundant, w.State())
	assert.Nil(t, f.reg.Active())
	assert.Empty(t, f.generations(t))
	assert.Zero(t, f.store.EntryCount())
}

func TestRegisterInstallFailureOfflineKeepsPreviousWorker(t *testing.T) {
	f := newRegFixture(t, nil)
	w1, err := f.reg.Register(context.Background(), testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)

	f.net.offline.Store(true)
	w2, err := f.reg.Register(context.Background(), testConfig(t, "1.0.2", siteAssets...))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstall)
	assert.ErrorIs(t, err, ErrNetwork)

	assert.Equal(t, StateRedundant, w2.State())
	assert.Same(t, w1, f.reg.Active())
	assert.Equal(t, StateActive, w1.State())
	assert.Equal(t, []string{"static-v1.0.1"}, f.generations(t))
}

func TestRegisterVersionBumpRetiresOldGenerations(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()

	w1, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	f.net.set(testOrigin+"/img/logo.png", page{ctype: "image/png", body: "png"})
	resp, err := f.reg.Fetch(ctx, getRequest(t, testOrigin+"/img/logo.png", "image/*"))
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, []string{"dynamic-v1.0.1", "static-v1.0.1"}, f.generations(t))

	w2, err := f.reg.Register(ctx, testConfig(t, "1.0.2", siteAssets...))
	require.NoError(t, err)
	assert.Equal(t, StateActive, w2.State())
	assert.Equal(t, StateRedundant, w1.State())
	assert.Equal(t, []string{"static-v1.0.2"}, f.generations(t))

	resp, err = f.reg.Fetch(ctx, getRequest(t, testOrigin+"/img/logo.png", "image/*"))
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, []string{"dynamic-v1.0.2", "static-v1.0.2"}, f.generations(t))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.gensDeleted))
}

func TestRegisterHeldWaitingWhileClientAttached(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()

	w1, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	release := f.reg.Attach()
	defer release()

	w2, err := f.reg.Register(ctx, holdWaiting(testConfig(t, "1.0.2", siteAssets...)))
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, w2.State())
	assert.Same(t, w2, f.reg.Waiting())
	assert.Same(t, w1, f.reg.Active())
	// Both static generations coexist until the new worker activates.
	assert.Equal(t, []string{"static-v1.0.1", "static-v1.0.2"}, f.generations(t))

	// The old worker keeps serving from its own generations.
	f.net.offline.Store(true)
	resp, err := f.reg.Fetch(ctx, getRequest(t, testOrigin+"/styles.css", ""))
	require.NoError(t, err)
	readBody(t, resp)
}

func TestSkipWaitingMessagePromotesWaitingWorker(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()

	w1, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	release := f.reg.Attach()
	defer release()
	w2, err := f.reg.Register(ctx, holdWaiting(testConfig(t, "1.0.2", siteAssets...)))
	require.NoError(t, err)

	require.NoError(t, f.reg.PostMessage(ctx, []byte(`{"type":"SKIP_WAITING"}`)))

	assert.Same(t, w2, f.reg.Active())
	assert.Nil(t, f.reg.Waiting())
	assert.Equal(t, StateActive, w2.State())
	assert.Equal(t, StateRedundant, w1.State())
	assert.Equal(t, []string{"static-v1.0.2"}, f.generations(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.controlMessages.WithLabelValues(MessageSkipWaiting)))
}

func TestReleasingLastClientPromotesWaitingWorker(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()

	_, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	releaseA := f.reg.Attach()
	releaseB := f.reg.Attach()
	w2, err := f.reg.Register(ctx, holdWaiting(testConfig(t, "1.0.2", siteAssets...)))
	require.NoError(t, err)

	releaseA()
	releaseA() // idempotent
	assert.Equal(t, StateWaiting, w2.State())

	releaseB()
	assert.Equal(t, StateActive, w2.State())
	assert.Same(t, w2, f.reg.Active())
}

func TestNewerWaitingWorkerSupersedesOlder(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()

	w1, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	release := f.reg.Attach()
	w2, err := f.reg.Register(ctx, holdWaiting(testConfig(t, "1.0.2", siteAssets...)))
	require.NoError(t, err)
	w3, err := f.reg.Register(ctx, holdWaiting(testConfig(t, "1.0.3", siteAssets...)))
	require.NoError(t, err)
	assert.Same(t, w3, f.reg.Waiting())

	release()
	assert.Equal(t, StateActive, w3.State())
	assert.Equal(t, StateRedundant, w2.State())
	assert.Equal(t, StateRedundant, w1.State())
	assert.Equal(t, []string{"static-v1.0.3"}, f.generations(t))
}

func TestActivationDeletionIsBestEffort(t *testing.T) {
	failing := &failingStore{failDelete: map[string]bool{"static-v1.0.1": true}}
	f := newRegFixture(t, func(s *LevelStore) CacheStore {
		failing.CacheStore = s
		return failing
	})
	ctx := context.Background()

	_, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	resp, err := f.reg.Fetch(ctx, getRequest(t, testOrigin+"/favicon.ico", ""))
	require.NoError(t, err)
	readBody(t, resp)

	w2, err := f.reg.Register(ctx, testConfig(t, "1.0.2", siteAssets...))
	require.NoError(t, err)
	assert.Equal(t, StateActive, w2.State())
	assert.Equal(t, []string{"static-v1.0.1", "static-v1.0.2"}, f.generations(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.storageFailures.WithLabelValues("delete")))

	// The next activation converges once the store recovers.
	delete(failing.failDelete, "static-v1.0.1")
	_, err = f.reg.Register(ctx, testConfig(t, "1.0.3", siteAssets...))
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1.0.3"}, f.generations(t))
}

func TestFetchWithoutActiveWorkerGoesToNetwork(t *testing.T) {
	f := newRegFixture(t, nil)

	resp, err := f.reg.Fetch(context.Background(), getRequest(t, testOrigin+"/app.js", ""))
	require.NoError(t, err)
	assert.Equal(t, "console.log('app')", readBody(t, resp))
	assert.Zero(t, f.store.EntryCount())

	f.net.offline.Store(true)
	_, err = f.reg.Fetch(context.Background(), getRequest(t, testOrigin+"/app.js", ""))
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestRegistrationIsARoundTripper(t *testing.T) {
	f := newRegFixture(t, nil)
	_, err := f.reg.Register(context.Background(), testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	f.net.offline.Store(true)

	client := &http.Client{Transport: f.reg}
	resp, err := client.Get(testOrigin + "/index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>index</html>", readBody(t, resp))

	resp, err = client.Get("https://script.google.com/macros/s/abc/exec")
	require.NoError(t, err)
	assert.Contains(t, readBody(t, resp), `"success":false`)
}

type syncEvent struct{}

func (syncEvent) Kind() EventKind { return "sync" }

func TestDispatchUnknownEvent(t *testing.T) {
	f := newRegFixture(t, nil)
	w, err := f.reg.Register(context.Background(), testConfig(t, "1.0.1"))
	require.NoError(t, err)

	err = w.Dispatch(context.Background(), syncEvent{})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestUnknownMessagesAreIgnored(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()
	w, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)

	for _, msg := range []string{`{"type":"PING"}`, `not json`, `{}`, ``} {
		require.NoError(t, f.reg.PostMessage(ctx, []byte(msg)), msg)
	}
	assert.Equal(t, StateActive, w.State())
	assert.Equal(t, []string{"static-v1.0.1"}, f.generations(t))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.controlMessages.WithLabelValues("ignored")))
}

func TestClearCacheMessageDeletesEveryGeneration(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()
	_, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	resp, err := f.reg.Fetch(ctx, getRequest(t, testOrigin+"/robots.txt", ""))
	require.NoError(t, err)
	readBody(t, resp)
	require.Len(t, f.generations(t), 2)

	require.NoError(t, f.reg.PostMessage(ctx, []byte(`{"type":"CLEAR_CACHE"}`)))
	assert.Empty(t, f.generations(t))
	assert.Zero(t, f.store.EntryCount())

	// With the fallback gone, an offline navigation has nothing to serve.
	f.net.offline.Store(true)
	_, err = f.reg.Fetch(ctx, getRequest(t, testOrigin+"/about", "text/html"))
	assert.ErrorIs(t, err, ErrUnhandledRejection)

	// Online again, the dynamic generation is rebuilt on demand.
	f.net.offline.Store(false)
	resp, err = f.reg.Fetch(ctx, getRequest(t, testOrigin+"/app.js", ""))
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, []string{"dynamic-v1.0.1"}, f.generations(t))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "installing", StateInstalling.String())
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "activating", StateActivating.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestIsDowngrade(t *testing.T) {
	assert.True(t, isDowngrade("v1.0.2", "v1.0.1"))
	assert.True(t, isDowngrade("v2", "v1.9.9"))
	assert.False(t, isDowngrade("v1.0.1", "v1.0.2"))
	assert.False(t, isDowngrade("v1.0.1", "v1.0.1"))
	assert.False(t, isDowngrade("vnext", "v1.0.0"))
}

func TestRegisterOlderVersionIsLoggedAndStillActivates(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	net := newFakeNetwork(sitePages())
	reg := NewRegistration(RegistrationOptions{
		Store:   newTestStore(t, StoreOptions{}),
		Network: net,
		Logger:  logger,
	})
	t.Cleanup(reg.Close)
	ctx := context.Background()

	_, err := reg.Register(ctx, testConfig(t, "1.0.2", siteAssets...))
	require.NoError(t, err)
	w, err := reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	assert.Equal(t, StateActive, w.State())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["active"] == "v1.0.2" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestFallbackIsAlwaysPrecached(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()
	_, err := f.reg.Register(ctx, testConfig(t, "1.0.1", "/", "/app.js"))
	require.NoError(t, err)

	_, ok, err := f.store.LookupIn("static-v1.0.1", KeyFor(http.MethodGet, testOrigin+"/index.html"))
	require.NoError(t, err)
	assert.True(t, ok)

	f.net.offline.Store(true)
	resp, err := f.reg.Fetch(ctx, getRequest(t, testOrigin+"/search?q=amor", "text/html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>index</html>", readBody(t, resp))
}

func TestRetiredWorkerStopsCaching(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()
	w1, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	_, err = f.reg.Register(ctx, testConfig(t, "1.0.2", siteAssets...))
	require.NoError(t, err)
	require.Equal(t, StateRedundant, w1.State())

	// A request that was already routed to the old worker still completes.
	ev := &FetchEvent{ID: "late", Request: getRequest(t, testOrigin+"/late.css", "")}
	require.NoError(t, w1.Dispatch(ctx, ev))
	assert.Equal(t, http.StatusNotFound, ev.Response.StatusCode)
	readBody(t, ev.Response)

	assert.Equal(t, []string{"static-v1.0.2"}, f.generations(t))
}

func TestRetiringMarkedBeforeActivationCleanup(t *testing.T) {
	var w1 *Worker
	var sawRetiring bool
	f := newRegFixture(t, func(s *LevelStore) CacheStore {
		return &observingStore{CacheStore: s, onDelete: func() {
			if w1 != nil && w1.retired() {
				sawRetiring = true
			}
		}}
	})
	ctx := context.Background()
	var err error
	w1, err = f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	_, err = f.reg.Register(ctx, testConfig(t, "1.0.2", siteAssets...))
	require.NoError(t, err)
	assert.True(t, sawRetiring)
}

type observingStore struct {
	CacheStore
	onDelete func()
}

func (o *observingStore) DeleteGeneration(gen string) error {
	o.onDelete()
	return o.CacheStore.DeleteGeneration(gen)
}

func TestClosedRegistrationRejectsEvents(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()
	_, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)
	release := f.reg.Attach()
	_, err = f.reg.Register(ctx, holdWaiting(testConfig(t, "1.0.2", siteAssets...)))
	require.NoError(t, err)

	f.reg.Close()
	f.reg.Close()

	_, err = f.reg.Fetch(ctx, getRequest(t, testOrigin+"/app.js", ""))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.reg.PostMessage(ctx, []byte(`{"type":"SKIP_WAITING"}`)), ErrClosed)
	_, err = f.reg.Register(ctx, testConfig(t, "1.0.3", siteAssets...))
	assert.ErrorIs(t, err, ErrClosed)

	release()
	assert.Equal(t, "v1.0.1", f.reg.Active().Version())
	assert.Equal(t, StateWaiting, f.reg.Waiting().State())
}

func TestCloseWhileFetching(t *testing.T) {
	f := newRegFixture(t, nil)
	ctx := context.Background()
	_, err := f.reg.Register(ctx, testConfig(t, "1.0.1", siteAssets...))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				req, _ := http.NewRequest(http.MethodGet, testOrigin+"/app.js", nil)
				resp, err := f.reg.Fetch(ctx, req)
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				_ = resp.Body.Close()
			}
		}()
	}
	f.reg.Close()
	wg.Wait()
}
