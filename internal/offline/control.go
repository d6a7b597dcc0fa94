package offline

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// ErrControlClosed is returned by Send once the channel has stopped.
var ErrControlClosed = errors.New("offline: control channel closed")

// messagePoster is satisfied by *Registration.
type messagePoster interface {
	PostMessage(ctx context.Context, data []byte) error
}

// ControlChannel delivers host commands to the registration one at a time,
// in the order they were received. Messages are not persisted and no reply
// is sent back.
type ControlChannel struct {
	target messagePoster
	ch     chan []byte
	done   chan struct{}
	log    *logrus.Entry
}

const maxControlMessage = 4 << 10

func NewControlChannel(target messagePoster, log *logrus.Entry, buffer int) *ControlChannel {
	if buffer < 0 {
		buffer = 0
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ControlChannel{
		target: target,
		ch:     make(chan []byte, buffer),
		done:   make(chan struct{}),
		log:    log,
	}
}

// Run processes messages until ctx is cancelled. Call it exactly once.
func (c *ControlChannel) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.ch:
			if err := c.target.PostMessage(ctx, data); err != nil {
				c.log.WithError(err).WithField("action", "control").Warn("control message failed")
			}
		}
	}
}

// Send enqueues data. It blocks while the buffer is full.
func (c *ControlChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrControlClosed
	default:
	}
	select {
	case c.ch <- data:
		return nil
	case <-c.done:
		return ErrControlClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (c *ControlChannel) Done() <-chan struct{} { return c.done }

// ServeHTTP accepts a message as a POST body and answers 202 once queued.
func (c *ControlChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlMessage))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := c.Send(r.Context(), data); err != nil {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
