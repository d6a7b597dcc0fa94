package offline

import (
	"context"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Service wires the store, registration and control channel behind one
// http.Handler. Requests in origin-form are resolved against server.origin;
// absolute-form requests (forward-proxy style) are used as they are.
type Service struct {
	log     *logrus.Logger
	store   *LevelStore
	reg     *Registration
	control *ControlChannel
	metrics *Metrics
	stats   *statsCollector

	mu  sync.RWMutex
	cfg Config

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type ServiceOptions struct {
	Logger  *logrus.Logger
	Network http.RoundTripper // defaults to a clone of http.DefaultTransport
}

func NewService(cfg Config, opts ServiceOptions) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	store, err := OpenStore(cfg.Storage.Path, StoreOptions{
		RAMMax:  cfg.ramMax,
		DiskMax: cfg.diskMax,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	network := opts.Network
	if network == nil {
		network = http.DefaultTransport.(*http.Transport).Clone()
	}

	metrics := NewMetrics()
	var stats *statsCollector
	if cfg.statsEveryDur > 0 {
		stats = newStatsCollector()
	}
	reg := NewRegistration(RegistrationOptions{
		Store:   store,
		Network: network,
		Logger:  logger,
		Metrics: metrics,
		stats:   stats,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:     logger,
		store:   store,
		reg:     reg,
		control: NewControlChannel(reg, logger.WithField("component", "control"), 16),
		metrics: metrics,
		stats:   stats,
		cfg:     cfg,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.control.Run(ctx)
	}()

	if stats != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			statsLoop(logger.WithField("component", "stats"), store, stats, cfg.statsEveryDur, s.stopCh)
		}()
	}
	return s, nil
}

// Start installs and, when possible, activates the worker for the configured version.
func (s *Service) Start(ctx context.Context) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	_, err := s.reg.Register(ctx, cfg)
	return err
}

// Reload registers a worker for a new configuration. The previous worker keeps
// serving until the new one activates.
func (s *Service) Reload(ctx context.Context, cfg Config) error {
	if _, err := s.reg.Register(ctx, cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"action": "reload", "version": cfg.Version}).Info("configuration reloaded")
	return nil
}

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Close() {
	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
	s.reg.Close()
	_ = s.store.Close()
}

// Handler serves the control endpoint and metrics on origin-form paths and
// routes every other request through the registration.
func (s *Service) Handler() http.Handler {
	s.mu.RLock()
	controlPath, metricsPath := s.cfg.Server.ControlPath, s.cfg.Server.MetricsPath
	s.mu.RUnlock()
	metrics := s.metrics.Handler()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.IsAbs() {
			switch r.URL.Path {
			case controlPath:
				s.control.ServeHTTP(w, r)
				return
			case metricsPath:
				metrics.ServeHTTP(w, r)
				return
			}
		}
		s.handle(w, r)
	})
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	target := r.URL.String()
	if !r.URL.IsAbs() {
		s.mu.RLock()
		target = s.cfg.Server.Origin + r.URL.RequestURI()
		s.mu.RUnlock()
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)
	// Cached bodies are shared by every client, keep them unencoded.
	out.Header.Set("Accept-Encoding", "identity")

	resp, err := s.reg.Fetch(r.Context(), out)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyHeaders copies src into dst, dropping hop-by-hop fields and Host.
func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(k)
		if _, hop := hopByHopHeaders[canonical]; hop || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
