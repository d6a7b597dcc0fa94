package offline

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/21programado/concordancia/internal/logging"
)

const testOrigin = "http://app.test"

var errOffline = errors.New("dial tcp: connect: network is unreachable")

type page struct {
	status int
	ctype  string
	body   string
}

// fakeNetwork answers from a fixed page table and counts calls per URL.
// Unknown URLs get a 404. When offline, every round trip fails at transport level.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]page
	calls   map[string]int
	headers map[string]http.Header
	offline atomic.Bool
}

func newFakeNetwork(pages map[string]page) *fakeNetwork {
	if pages == nil {
		pages = map[string]page{}
	}
	return &fakeNetwork{pages: pages, calls: map[string]int{}, headers: map[string]http.Header{}}
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	u := req.URL.String()
	n.mu.Lock()
	n.calls[u]++
	n.headers[u] = req.Header.Clone()
	p, ok := n.pages[u]
	n.mu.Unlock()

	if n.offline.Load() {
		return nil, errOffline
	}
	if !ok {
		p = page{status: http.StatusNotFound, ctype: "text/plain", body: "not found"}
	}
	if p.status == 0 {
		p.status = http.StatusOK
	}
	h := make(http.Header)
	if p.ctype != "" {
		h.Set("Content-Type", p.ctype)
	}
	return &http.Response{
		StatusCode:    p.status,
		Status:        http.StatusText(p.status),
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(p.body)),
		ContentLength: int64(len(p.body)),
		Request:       req,
	}, nil
}

func (n *fakeNetwork) set(url string, p page) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[url] = p
}

func (n *fakeNetwork) callsTo(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

// headersFor returns the request headers of the last call to url.
func (n *fakeNetwork) headersFor(url string) http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.headers[url]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func sitePages() map[string]page {
	return map[string]page{
		testOrigin + "/":           {ctype: "text/html", body: "<html>root</html>"},
		testOrigin + "/index.html": {ctype: "text/html", body: "<html>index</html>"},
		testOrigin + "/app.js":     {ctype: "application/javascript", body: "console.log('app')"},
		testOrigin + "/styles.css": {ctype: "text/css", body: "body{margin:0}"},
	}
}

func newTestStore(t *testing.T, opts StoreOptions) *LevelStore {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	store, err := OpenStore(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig(t *testing.T, version string, assets ...string) Config {
	t.Helper()
	var b strings.Builder
	b.WriteString("version: " + version + "\n")
	b.WriteString("server:\n  origin: " + testOrigin + "\n")
	b.WriteString("storage:\n  path: " + t.TempDir() + "\n")
	b.WriteString("api:\n  hosts: [script.google.com]\n  offlineMessage: \"Sin conexión a internet...\"\n")
	b.WriteString("precache:\n  fallback: /index.html\n  assets:\n")
	for _, a := range assets {
		b.WriteString("    - " + a + "\n")
	}
	cfg, err := ParseConfig([]byte(b.String()))
	require.NoError(t, err)
	return cfg
}

func quietLogger() *logrus.Logger { return logging.Discard() }

func getRequest(t *testing.T, url, accept string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// failingStore wraps a CacheStore and fails the selected operations.
type failingStore struct {
	CacheStore
	failLookup bool
	failPut    bool
	failDelete map[string]bool
}

var errDisk = errors.New("disk on fire")

func (f *failingStore) Lookup(key RequestKey, prefer ...string) (Entry, string, bool, error) {
	if f.failLookup {
		return Entry{}, "", false, errors.Join(ErrStorage, errDisk)
	}
	return f.CacheStore.Lookup(key, prefer...)
}

func (f *failingStore) Put(gen string, key RequestKey, ent Entry) error {
	if f.failPut {
		return errors.Join(ErrStorage, errDisk)
	}
	return f.CacheStore.Put(gen, key, ent)
}

func (f *failingStore) DeleteGeneration(gen string) error {
	if f.failDelete[gen] {
		return errors.Join(ErrStorage, errDisk)
	}
	return f.CacheStore.DeleteGeneration(gen)
}
