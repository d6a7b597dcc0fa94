package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// offlinePayload is the only fixed wire format this layer produces.
type offlinePayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Router applies one routing policy per intercepted request:
//
//   - API: network only, never touches the store; transport failure yields
//     the JSON offline payload.
//   - Navigational and Generic: cache-first across generations, network on
//     miss with write-through into the dynamic generation. On failure a
//     navigational request gets the precached fallback document; anything
//     else fails with ErrUnhandledRejection.
type Router struct {
	store      CacheStore
	network    http.RoundTripper
	classifier Classifier
	gens       Generations
	fallback   RequestKey
	offlineMsg string

	retired func() bool

	log     *logrus.Entry
	metrics *Metrics
	stats   *statsCollector
}

type RouterOptions struct {
	Store          CacheStore
	Network        http.RoundTripper
	Classifier     Classifier
	Generations    Generations
	FallbackURL    string // absolute URL of the precached root document
	OfflineMessage string
	Log            *logrus.Entry
	Metrics        *Metrics
	Retired        func() bool // when it reports true, misses are not written through
	stats          *statsCollector
}

func NewRouter(opts RouterOptions) *Router {
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	msg := opts.OfflineMessage
	if msg == "" {
		msg = defaultOfflineMessage
	}
	return &Router{
		store:      opts.Store,
		network:    network,
		classifier: opts.Classifier,
		gens:       opts.Generations,
		fallback:   KeyFor(http.MethodGet, opts.FallbackURL),
		offlineMsg: msg,
		log:        log,
		retired:    opts.Retired,
		metrics:    opts.Metrics,
		stats:      opts.stats,
	}
}

// Fetch yields exactly one response or an error for req.
func (r *Router) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	class := r.classifier.Classify(req)
	log := r.log.WithFields(logrus.Fields{
		"class":  class.String(),
		"method": req.Method,
		"url":    req.URL.String(),
	})

	if class == ClassAPI {
		return r.fetchAPI(ctx, req, log), nil
	}
	return r.cacheFirst(ctx, req, class, log)
}

func (r *Router) fetchAPI(ctx context.Context, req *http.Request, log *logrus.Entry) *http.Response {
	resp, err := r.roundTrip(ctx, req)
	if err != nil {
		log.WithError(err).WithField("action", "api_offline").Warn("api unreachable, serving offline payload")
		r.metrics.observeFetch(ClassAPI, sourceOfflinePayload)
		return r.offlineResponse(req)
	}
	r.metrics.observeFetch(ClassAPI, sourceNetwork)
	r.stats.Observe(resp.ContentLength)
	return resp
}

func (r *Router) cacheFirst(ctx context.Context, req *http.Request, class RequestClass, log *logrus.Entry) (*http.Response, error) {
	cacheable := req.Method == http.MethodGet
	key := KeyForRequest(req)

	if cacheable {
		ent, gen, ok, err := r.store.Lookup(key, r.gens.Dynamic, r.gens.Static)
		if err != nil {
			r.metrics.observeStorageFailure("lookup")
			log.WithError(err).WithField("action", "cache_lookup_failed").Warn("cache lookup failed")
			return r.degrade(req, class, err, log)
		}
		if ok {
			log.WithFields(logrus.Fields{"action": "cache_hit", "generation": gen}).Debug("served from cache")
			r.metrics.observeFetch(class, sourceCache)
			r.stats.Observe(int64(len(ent.Body)))
			return ent.Response(req), nil
		}
	}

	resp, err := r.roundTrip(ctx, req)
	if err != nil {
		return r.degrade(req, class, err, log)
	}
	if !cacheable {
		r.metrics.observeFetch(class, sourceNetwork)
		r.stats.Observe(resp.ContentLength)
		return resp, nil
	}

	// Clone: the body is buffered once, one copy goes to the store and the
	// other back to the caller.
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return r.degrade(req, class, fmt.Errorf("%w: read body: %w", ErrNetwork, err), log)
	}
	ent := Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")

	if r.retired != nil && r.retired() {
		log.WithField("action", "cache_put_skipped").Debug("worker retired, not caching")
	} else if err := r.store.Put(r.gens.Dynamic, key, ent); err != nil {
		r.metrics.observeStorageFailure("put")
		log.WithError(err).WithField("action", "cache_put_failed").Warn("cache write failed, returning network response")
	} else {
		log.WithFields(logrus.Fields{"action": "cache_put", "status": resp.StatusCode}).Debug("stored in dynamic generation")
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	r.metrics.observeFetch(class, sourceNetwork)
	r.stats.Observe(int64(len(body)))
	return resp, nil
}

// degrade handles a failed non-API fetch. cause is a network or storage failure.
func (r *Router) degrade(req *http.Request, class RequestClass, cause error, log *logrus.Entry) (*http.Response, error) {
	if class == ClassNavigational {
		ent, _, ok, err := r.store.Lookup(r.fallback, r.gens.Static, r.gens.Dynamic)
		if err == nil && ok {
			log.WithError(cause).WithField("action", "navigation_fallback").Info("serving fallback document")
			r.metrics.observeFetch(class, sourceFallback)
			r.stats.Observe(int64(len(ent.Body)))
			return ent.Response(req), nil
		}
		if err != nil {
			r.metrics.observeStorageFailure("lookup")
			cause = fmt.Errorf("%w; fallback lookup: %w", cause, err)
		}
	}
	log.WithError(cause).WithField("action", "fetch_rejected").Warn("request failed with no fallback")
	r.metrics.observeFetch(class, sourceError)
	return nil, fmt.Errorf("%w: %s %s: %w", ErrUnhandledRejection, req.Method, req.URL, cause)
}

// roundTrip sends req to the real network. Any transport error, including a
// cancelled context, is a network failure; HTTP error statuses are not.
func (r *Router) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	resp, err := r.network.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return resp, nil
}

func (r *Router) offlineResponse(req *http.Request) *http.Response {
	body, _ := json.Marshal(offlinePayload{Success: false, Error: r.offlineMsg})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
