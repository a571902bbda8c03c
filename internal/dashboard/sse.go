package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/pipeline"
)

// Defaults for BrokerOpts.
const (
	DefaultHeartbeat        = 15 * time.Second
	DefaultSubscriberBuffer = 64
)

// Broker fans operator notices out to connected SSE clients. It implements
// pipeline.Notifier; a slow client loses notices rather than blocking the
// pipeline.
type Broker struct {
	heartbeat time.Duration
	buffer    int
	log       zerolog.Logger

	mu      sync.Mutex
	subs    map[chan pipeline.Notice]struct{}
	dropped atomic.Int64
}

// BrokerOpts holds parameters for creating a Broker.
type BrokerOpts struct {
	Heartbeat time.Duration
	Buffer    int
	Logger    zerolog.Logger
}

// NewBroker creates a Broker.
func NewBroker(opts BrokerOpts) *Broker {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultSubscriberBuffer
	}
	return &Broker{
		heartbeat: opts.Heartbeat,
		buffer:    opts.Buffer,
		log:       opts.Logger.With().Str("component", "sse").Logger(),
		subs:      make(map[chan pipeline.Notice]struct{}),
	}
}

// Notify implements pipeline.Notifier.
func (b *Broker) Notify(_ context.Context, n pipeline.Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a client. The returned cancel func unregisters it.
func (b *Broker) Subscribe() (<-chan pipeline.Notice, func()) {
	ch := make(chan pipeline.Notice, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of connected clients.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many notices were skipped for slow clients.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// events streams notices as server-sent events named by notice kind, with
// periodic heartbeats.
func (h *handlers) events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	notices, cancel := h.broker.Subscribe()
	defer cancel()

	writeSSE(c.Writer, "connected", map[string]string{"admin_id": c.GetString(adminIDKey)})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.broker.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case n := <-notices:
			writeSSE(c.Writer, n.Kind, n)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}

var _ pipeline.Notifier = (*Broker)(nil)
