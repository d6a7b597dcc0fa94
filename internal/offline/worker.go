package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a worker lifecycle phase.
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind selects a handler in a worker's dispatch table.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
)

type Event interface {
	Kind() EventKind
}

type InstallEvent struct{}

type ActivateEvent struct{}

// FetchEvent carries one intercepted request. The fetch handler fills
// Response or returns an error.
type FetchEvent struct {
	ID       string
	Request  *http.Request
	Response *http.Response
}

// MessageEvent carries an opaque control message from the host.
type MessageEvent struct {
	Data []byte
}

func (InstallEvent) Kind() EventKind  { return EventInstall }
func (ActivateEvent) Kind() EventKind { return EventActivate }
func (*FetchEvent) Kind() EventKind   { return EventFetch }
func (MessageEvent) Kind() EventKind  { return EventMessage }

type handlerFunc func(ctx context.Context, ev Event) error

// Worker is one installed version of the caching proxy. Its configuration is
// fixed at construction; only the lifecycle state changes.
type Worker struct {
	version  string
	gens     Generations
	manifest []string // absolute URLs
	store    CacheStore
	network  http.RoundTripper
	router   *Router
	control  controlTarget

	origin       *url.URL
	sitemaps     []string
	sitemapLimit int

	log     *logrus.Entry
	metrics *Metrics

	mu       sync.RWMutex
	state    State
	retiring atomic.Bool

	handlers map[EventKind]handlerFunc
}

// controlTarget receives the effects of control messages that reach beyond
// one worker.
type controlTarget interface {
	skipWaiting(ctx context.Context, w *Worker) error
	clearAll(ctx context.Context) error
}

type workerDeps struct {
	store   CacheStore
	network http.RoundTripper
	control controlTarget
	log     *logrus.Entry
	metrics *Metrics
	stats   *statsCollector
}

func newWorker(cfg Config, deps workerDeps) (*Worker, error) {
	gens := GenerationsFor(cfg.Version)
	manifest := make([]string, 0, len(cfg.Precache.Assets))
	for i, a := range cfg.Precache.Assets {
		u, err := cfg.ResolveURL(a)
		if err != nil {
			return nil, fmt.Errorf("precache.assets[%d]: %w", i, err)
		}
		manifest = append(manifest, u)
	}
	sitemaps := make([]string, 0, len(cfg.Precache.Sitemaps))
	for i, sm := range cfg.Precache.Sitemaps {
		u, err := cfg.ResolveURL(sm)
		if err != nil {
			return nil, fmt.Errorf("precache.sitemaps[%d]: %w", i, err)
		}
		sitemaps = append(sitemaps, u)
	}
	fallback, err := cfg.ResolveURL(cfg.Precache.Fallback)
	if err != nil {
		return nil, fmt.Errorf("precache.fallback: %w", err)
	}
	// The navigational degrade path needs the fallback in the static generation.
	manifest = mergeURLs(manifest, []string{fallback})
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}

	log := deps.log.WithField("version", cfg.Version)
	w := &Worker{
		version:  cfg.Version,
		gens:     gens,
		manifest: manifest,
		store:    deps.store,
		network:  deps.network,
		control:  deps.control,
		log:      log,
		metrics:  deps.metrics,
		state:    StateInstalling,

		origin:       origin,
		sitemaps:     sitemaps,
		sitemapLimit: cfg.Precache.SitemapLimit,
	}
	w.router = NewRouter(RouterOptions{
		Store:          deps.store,
		Network:        deps.network,
		Classifier:     NewClassifier(cfg.API.Hosts),
		Generations:    gens,
		FallbackURL:    fallback,
		OfflineMessage: cfg.API.OfflineMessage,
		Log:            log.WithField("component", "router"),
		Metrics:        deps.metrics,
		Retired:        w.retired,
		stats:          deps.stats,
	})
	w.handlers = map[EventKind]handlerFunc{
		EventInstall:  w.onInstall,
		EventActivate: w.onActivate,
		EventFetch:    w.onFetch,
		EventMessage:  w.onMessage,
	}
	return w, nil
}

func (w *Worker) Version() string          { return w.version }
func (w *Worker) Generations() Generations { return w.gens }

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// retired reports whether w has been replaced, or is being replaced, by a
// newer worker. A retired worker still answers requests but stops caching.
func (w *Worker) retired() bool {
	return w.retiring.Load() || w.State() == StateRedundant
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.log.WithFields(logrus.Fields{"action": "lifecycle", "from": prev.String(), "to": s.String()}).Info("worker state changed")
		w.metrics.observeTransition(s)
	}
}

// Dispatch runs the handler registered for ev and returns once its work is done.
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	h, ok := w.handlers[ev.Kind()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind())
	}
	return h(ctx, ev)
}

// onInstall fetches the whole manifest, extended by any sitemap pages, and
// commits it as the static generation in a single batch. Any failure leaves no
// static entries behind.
func (w *Worker) onInstall(ctx context.Context, _ Event) error {
	urls := w.manifest
	if len(w.sitemaps) > 0 {
		found, err := w.discoverSitemapURLs(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInstall, err)
		}
		urls = mergeURLs(w.manifest, found)
	}
	w.log.WithFields(logrus.Fields{"action": "install", "assets": len(urls)}).Info("precaching static assets")

	type result struct {
		url string
		ent Entry
		err error
	}
	results := make([]result, len(urls))
	sem := make(chan struct{}, 8)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			ent, err := w.precacheOne(ctx, u)
			results[i] = result{url: u, ent: ent, err: err}
		}(i, u)
	}
	wg.Wait()

	entries := make(map[RequestKey]Entry, len(results))
	for _, res := range results {
		if res.err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInstall, res.url, res.err)
		}
		entries[KeyFor(http.MethodGet, res.url)] = res.ent
	}
	if err := w.store.PutAll(w.gens.Static, entries); err != nil {
		w.metrics.observeStorageFailure("precache")
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	return nil
}

func mergeURLs(base, extra []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, u := range base {
		seen[u] = struct{}{}
	}
	for _, u := range extra {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

func (w *Worker) precacheOne(ctx context.Context, rawURL string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Entry{}, err
	}
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Entry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	ent := Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// onActivate deletes every generation outside the current pair. Deletion is
// best-effort per generation and idempotent, so a crashed activation
// converges on the next attempt.
func (w *Worker) onActivate(ctx context.Context, _ Event) error {
	names, err := w.store.Generations()
	if err != nil {
		w.metrics.observeStorageFailure("list")
		w.log.WithError(err).WithField("action", "activate").Warn("could not list generations")
		return nil
	}
	for _, name := range names {
		if w.gens.Owns(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.store.DeleteGeneration(name); err != nil {
			w.metrics.observeStorageFailure("delete")
			w.log.WithError(err).WithFields(logrus.Fields{"action": "activate", "generation": name}).Warn("could not delete stale generation")
			continue
		}
		w.metrics.observeGenerationDeleted()
		w.log.WithFields(logrus.Fields{"action": "activate", "generation": name}).Info("deleted stale generation")
	}
	return nil
}

func (w *Worker) onFetch(ctx context.Context, ev Event) error {
	fe := ev.(*FetchEvent)
	resp, err := w.router.Fetch(ctx, fe.Request)
	if err != nil {
		return err
	}
	fe.Response = resp
	return nil
}

// Control message types accepted on the channel.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

type controlMessage struct {
	Type string `json:"type"`
}

// onMessage applies SKIP_WAITING or CLEAR_CACHE. Anything else, including
// malformed JSON, is ignored.
func (w *Worker) onMessage(ctx context.Context, ev Event) error {
	var msg controlMessage
	if err := json.Unmarshal(ev.(MessageEvent).Data, &msg); err != nil {
		w.metrics.observeControl("ignored")
		return nil
	}
	switch msg.Type {
	case MessageSkipWaiting:
		w.metrics.observeControl(msg.Type)
		if w.control == nil {
			return nil
		}
		return w.control.skipWaiting(ctx, w)
	case MessageClearCache:
		w.metrics.observeControl(msg.Type)
		if w.control == nil {
			return nil
		}
		return w.control.clearAll(ctx)
	}
	w.metrics.observeControl("ignored")
	return nil
}
