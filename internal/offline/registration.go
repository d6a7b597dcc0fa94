package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"
)

// Registration is the runtime that hosts workers: it owns the shared store,
// the active and waiting workers, and the count of attached client contexts.
// Every dispatched event is tracked until its handler returns, and Close waits
// for them.
type Registration struct {
	store   CacheStore
	network http.RoundTripper
	log     *logrus.Entry
	metrics *Metrics
	stats   *statsCollector

	activateMu sync.Mutex

	mu         sync.Mutex
	active     *Worker
	waiting    *Worker
	superseded []*Worker
	clients    int
	closed     bool

	inflight sync.WaitGroup
}

var _ http.RoundTripper = (*Registration)(nil)

type RegistrationOptions struct {
	Store   CacheStore
	Network http.RoundTripper
	Logger  *logrus.Logger
	Metrics *Metrics

	stats *statsCollector
}

func NewRegistration(opts RegistrationOptions) *Registration {
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{
		store:   opts.Store,
		network: network,
		log:     logger.WithField("component", "registration"),
		metrics: opts.Metrics,
		stats:   opts.stats,
	}
}

// Register installs a worker for cfg. A successful install leaves the worker
// Waiting; it is activated at once when nothing else is active, no client is
// attached, or cfg asks to skip waiting. A failed install returns an error
// wrapping ErrInstall and the worker ends Redundant.
func (r *Registration) Register(ctx context.Context, cfg Config) (*Worker, error) {
	if !r.begin() {
		return nil, ErrClosed
	}
	defer r.inflight.Done()

	w, err := newWorker(cfg, workerDeps{
		store:   r.store,
		network: r.network,
		control: r,
		log:     r.log.Logger.WithField("component", "worker"),
		metrics: r.metrics,
		stats:   r.stats,
	})
	if err != nil {
		return nil, err
	}
	r.metrics.observeTransition(StateInstalling)
	if cur := r.Active(); cur != nil && isDowngrade(cur.Version(), w.Version()) {
		w.log.WithFields(logrus.Fields{"action": "register", "active": cur.Version()}).Warn("registering an older version than the active one")
	}

	if err := w.Dispatch(ctx, InstallEvent{}); err != nil {
		w.log.WithError(err).WithField("action", "install").Error("install failed")
		w.setState(StateRedundant)
		return w, err
	}

	r.mu.Lock()
	if r.waiting != nil {
		r.superseded = append(r.superseded, r.waiting)
	}
	r.waiting = w
	w.setState(StateWaiting)
	promote := r.active == nil || r.clients == 0 || cfg.SkipWaiting()
	r.mu.Unlock()

	if promote {
		r.activate(ctx, w)
	}
	return w, nil
}

// activate moves w from Waiting through Activating to Active and retires the
// previous active worker. It is a no-op unless w is the waiting worker.
func (r *Registration) activate(ctx context.Context, w *Worker) {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	r.mu.Lock()
	if r.waiting != w || w.State() != StateWaiting {
		r.mu.Unlock()
		return
	}
	r.waiting = nil
	if r.active != nil {
		// Stop the outgoing worker from writing before its generations are reaped.
		r.active.retiring.Store(true)
	}
	r.mu.Unlock()

	w.setState(StateActivating)
	if err := w.Dispatch(ctx, ActivateEvent{}); err != nil {
		w.log.WithError(err).WithField("action", "activate").Warn("activation cleanup interrupted")
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	retired := r.superseded
	r.superseded = nil
	claimed := r.clients
	r.mu.Unlock()

	w.setState(StateActive)
	if prev != nil {
		prev.setState(StateRedundant)
	}
	for _, old := range retired {
		old.setState(StateRedundant)
	}
	w.log.WithFields(logrus.Fields{"action": "claim", "clients": claimed}).Info("worker controls open clients")
}

// isDowngrade reports whether next sorts below cur. Tags that are not
// semantic versions are never treated as a downgrade.
func isDowngrade(cur, next string) bool {
	if !semver.IsValid(cur) || !semver.IsValid(next) {
		return false
	}
	return semver.Compare(next, cur) < 0
}

func (r *Registration) skipWaiting(ctx context.Context, w *Worker) error {
	r.activate(ctx, w)
	return nil
}

// clearAll deletes every generation the store knows about, current ones included.
func (r *Registration) clearAll(_ context.Context) error {
	names, err := r.store.Generations()
	if err != nil {
		r.metrics.observeStorageFailure("list")
		return err
	}
	var errs []error
	for _, name := range names {
		if err := r.store.DeleteGeneration(name); err != nil {
			r.metrics.observeStorageFailure("delete")
			errs = append(errs, err)
			continue
		}
		r.metrics.observeGenerationDeleted()
	}
	r.log.WithFields(logrus.Fields{"action": "clear_cache", "generations": len(names), "failed": len(errs)}).Info("cache cleared")
	return errors.Join(errs...)
}

// Attach records an open client context. The returned func detaches it; when
// the last context detaches, a waiting worker is activated.
func (r *Registration) Attach() (release func()) {
	r.mu.Lock()
	r.clients++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.clients--
			w := r.waiting
			idle := r.clients == 0
			r.mu.Unlock()
			if idle && w != nil && r.begin() {
				defer r.inflight.Done()
				r.activate(context.Background(), w)
			}
		})
	}
}

// Fetch dispatches req to the active worker. Without one, the request goes
// straight to the network, like a page no worker controls yet.
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !r.begin() {
		return nil, ErrClosed
	}
	defer r.inflight.Done()

	w := r.Active()
	if w == nil {
		out := req.Clone(ctx)
		out.RequestURI = ""
		resp, err := r.network.RoundTrip(out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return resp, nil
	}

	ev := &FetchEvent{ID: uuid.NewString(), Request: req}
	if err := w.Dispatch(ctx, ev); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ev.ID, err)
	}
	return ev.Response, nil
}

// RoundTrip lets an http.Client route its requests through the active worker.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Fetch(req.Context(), req)
}

// PostMessage delivers a control message to the waiting worker if there is
// one, otherwise to the active worker. With neither it is dropped.
func (r *Registration) PostMessage(ctx context.Context, data []byte) error {
	if !r.begin() {
		return ErrClosed
	}
	defer r.inflight.Done()

	r.mu.Lock()
	w := r.waiting
	if w == nil {
		w = r.active
	}
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Dispatch(ctx, MessageEvent{Data: data})
}

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// begin counts one more in-flight event. It reports false once Close has
// started, so no Add can race the final Wait.
func (r *Registration) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.inflight.Add(1)
	return true
}

// Close rejects new events with ErrClosed and waits for in-flight ones to finish.
func (r *Registration) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.inflight.Wait()
}
