// Package egress delivers replies to end users with retry and a text-only
// fallback when media cannot be sent.
package egress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/retry"
)

// ErrNoTransport is returned when no transport serves the recipient platform.
var ErrNoTransport = errors.New("egress: no transport for platform")

// Recipient identifies the end user on a platform.
type Recipient struct {
	Platform string
	UserID   string
}

// Content is what gets delivered.
type Content struct {
	Text        string
	Attachments []models.Attachment
}

// Result is the delivery outcome.
type Result struct {
	Delivered    bool
	Attempts     int
	TextFallback bool
	Err          error
}

// Transport sends to one platform. Implementations return retry.Permanent
// for errors that retrying cannot fix.
type Transport interface {
	Deliver(ctx context.Context, userID string, content Content) error
}

// Sender routes content to the transport of the recipient's platform.
type Sender struct {
	mu         sync.RWMutex
	transports map[string]Transport
	policy     retry.Policy
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// SenderOpts holds parameters for creating a Sender.
type SenderOpts struct {
	Policy  retry.Policy
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewSender creates a Sender with no transports registered.
func NewSender(opts SenderOpts) *Sender {
	policy := opts.Policy
	if policy.MaxAttempts <= 0 {
		policy = retry.Policy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2, Jitter: true}
	}
	return &Sender{
		transports: make(map[string]Transport),
		policy:     policy,
		metrics:    opts.Metrics,
		log:        opts.Logger.With().Str("component", "egress").Logger(),
	}
}

// Register binds a transport to a platform name.
func (s *Sender) Register(platform string, t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transports[platform] = t
}

// Send delivers content, retrying with backoff. When content has
// attachments and every attempt fails, it retries once more as text with the
// media URLs appended. Send never panics on failure; callers inspect Result.
func (s *Sender) Send(ctx context.Context, to Recipient, content Content) Result {
	s.mu.RLock()
	t, ok := s.transports[to.Platform]
	s.mu.RUnlock()
	if !ok {
		s.metrics.Delivery(to.Platform, "failed")
		return Result{Err: fmt.Errorf("%w %q", ErrNoTransport, to.Platform)}
	}
	log := s.log.With().Str("platform", to.Platform).Str("user_id", to.UserID).Logger()

	out := retry.Do(ctx, s.policy, func(int) error {
		return t.Deliver(ctx, to.UserID, content)
	})
	res := Result{Delivered: out.Err == nil, Attempts: out.Attempts, Err: out.Err}

	if !res.Delivered && len(content.Attachments) > 0 && ctx.Err() == nil {
		log.Warn().Err(out.Err).Msg("media_delivery_failed_text_fallback")
		text := TextOnly(content)
		fb := retry.Do(ctx, s.policy, func(int) error {
			return t.Deliver(ctx, to.UserID, text)
		})
		res = Result{Delivered: fb.Err == nil, Attempts: out.Attempts + fb.Attempts, TextFallback: true, Err: fb.Err}
	}

	switch {
	case res.Delivered && res.TextFallback:
		s.metrics.Delivery(to.Platform, "fallback")
	case res.Delivered:
		s.metrics.Delivery(to.Platform, "sent")
	default:
		s.metrics.Delivery(to.Platform, "failed")
		res.Err = fmt.Errorf("egress: send to %s/%s: %w", to.Platform, to.UserID, res.Err)
		log.Error().Err(res.Err).Int("attempts", res.Attempts).Msg("delivery_failed")
	}
	return res
}

// TextOnly strips attachments, appending their titles and URLs to the text.
func TextOnly(c Content) Content {
	var b strings.Builder
	b.WriteString(c.Text)
	for _, a := range c.Attachments {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if a.Title != "" {
			b.WriteString(a.Title)
			b.WriteString(": ")
		}
		b.WriteString(a.URL)
	}
	return Content{Text: b.String()}
}
