// Package messenger implements the telegraph Adapter for Facebook Messenger.
// Inbound events arrive on a page webhook; replies go out through the Graph
// API Send endpoint.
package messenger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/retry"
	"github.com/zulandar/switchyard/internal/telegraph"
)

// Platform is the conversation platform key for Messenger users.
const Platform = "messenger"

const (
	defaultGraphURL   = "https://graph.facebook.com"
	defaultAPIVersion = "v18.0"
	defaultTimeout    = 15 * time.Second
	maxBodyBytes      = 1 << 20
)

// Graph API error codes that signal throttling rather than a bad request.
var throttleCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}

// Adapter implements telegraph.Adapter for a Messenger page.
type Adapter struct {
	http        *resty.Client
	token       string
	verifyToken string
	appSecret   string
	log         zerolog.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan telegraph.InboundMessage
}

// AdapterOpts holds parameters for creating a Messenger Adapter.
type AdapterOpts struct {
	PageAccessToken string
	VerifyToken     string // webhook subscription handshake token
	AppSecret       string // optional; enables payload signature checks
	GraphURL        string
	APIVersion      string
	Timeout         time.Duration
	Buffer          int
	Logger          zerolog.Logger
}

// New creates a Messenger Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.PageAccessToken == "" {
		return nil, fmt.Errorf("messenger: page access token is required")
	}
	graphURL := opts.GraphURL
	if graphURL == "" {
		graphURL = defaultGraphURL
	}
	version := opts.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 100
	}
	return &Adapter{
		http: resty.New().
			SetBaseURL(strings.TrimRight(graphURL, "/")+"/"+version).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		token:       opts.PageAccessToken,
		verifyToken: opts.VerifyToken,
		appSecret:   opts.AppSecret,
		log:         opts.Logger.With().Str("component", "messenger").Logger(),
		inbound:     make(chan telegraph.InboundMessage, buffer),
	}, nil
}

// Name returns the platform name.
func (a *Adapter) Name() string { return Platform }

// Connect marks the adapter ready. Messenger has no persistent connection;
// events arrive on the webhook.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("messenger: adapter already closed")
	}
	a.connected = true
	return nil
}

// Listen returns the channel fed by the webhook. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("messenger: not connected")
	}
	return a.inbound, nil
}

// Close stops accepting webhook events and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.inbound)
	return nil
}

// --- Outbound ---

type sendRequest struct {
	Recipient     recipient    `json:"recipient"`
	MessagingType string       `json:"messaging_type"`
	Message       outboundBody `json:"message"`
}

type recipient struct {
	ID string `json:"id"`
}

type outboundBody struct {
	Text       string              `json:"text,omitempty"`
	Attachment *outboundAttachment `json:"attachment,omitempty"`
}

type outboundAttachment struct {
	Type    string       `json:"type"`
	Payload mediaPayload `json:"payload"`
}

type mediaPayload struct {
	URL        string `json:"url"`
	IsReusable bool   `json:"is_reusable"`
}

type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// Send delivers a message to a Messenger user. Text and each attachment go
// out as separate Send API calls since Messenger cannot combine them. Events
// are rendered as plain text.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("messenger: not connected")
	}
	to := msg.UserID
	if to == "" {
		to = msg.ChannelID
	}
	if to == "" {
		return retry.Permanent(errors.New("messenger: no recipient"))
	}

	text := msg.Text
	for _, ev := range msg.Events {
		text = strings.TrimSpace(text + "\n\n" + renderEvent(ev))
	}
	if text != "" {
		if err := a.post(ctx, to, outboundBody{Text: text}); err != nil {
			return err
		}
	}
	for _, att := range msg.Attachments {
		body := outboundBody{Attachment: &outboundAttachment{
			Type:    attachmentType(att.Type),
			Payload: mediaPayload{URL: att.URL, IsReusable: true},
		}}
		if err := a.post(ctx, to, body); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, to string, body outboundBody) error {
	var gerr graphError
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", a.token).
		SetBody(sendRequest{Recipient: recipient{ID: to}, MessagingType: "RESPONSE", Message: body}).
		SetError(&gerr).
		Post("/me/messages")
	if err != nil {
		return fmt.Errorf("messenger: send: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	err = fmt.Errorf("messenger: send: status %d: code %d: %s", resp.StatusCode(), gerr.Error.Code, gerr.Error.Message)
	if resp.StatusCode() < http.StatusInternalServerError &&
		resp.StatusCode() != http.StatusTooManyRequests &&
		!throttleCodes[gerr.Error.Code] {
		return retry.Permanent(err)
	}
	return err
}

func attachmentType(t string) string {
	switch t {
	case "image", "video", "audio":
		return t
	default:
		return "file"
	}
}

func renderEvent(ev telegraph.FormattedEvent) string {
	var b strings.Builder
	b.WriteString(ev.Title)
	if ev.Body != "" {
		b.WriteString("\n" + ev.Body)
	}
	for _, f := range ev.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// --- Inbound ---

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender    recipient `json:"sender"`
	Recipient recipient `json:"recipient"`
	Timestamp int64     `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Title   string `json:"title"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
}

// Webhook returns the gin handler for the page webhook. GET answers the
// subscription handshake; POST parses page events into inbound messages.
func (a *Adapter) Webhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			a.verify(c)
			return
		}
		a.receive(c)
	}
}

func (a *Adapter) verify(c *gin.Context) {
	if c.Query("hub.mode") == "subscribe" && a.verifyToken != "" && c.Query("hub.verify_token") == a.verifyToken {
		c.String(http.StatusOK, c.Query("hub.challenge"))
		return
	}
	a.log.Warn().Str("mode", c.Query("hub.mode")).Msg("webhook_verification_failed")
	c.AbortWithStatus(http.StatusForbidden)
}

func (a *Adapter) receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if a.appSecret != "" && !validSignature(a.appSecret, body, c.GetHeader("X-Hub-Signature-256")) {
		a.log.Warn().Msg("webhook_bad_signature")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if payload.Object != "page" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	msgs := parseEvents(payload)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	accepted := 0
	for _, m := range msgs {
		select {
		case a.inbound <- m:
			accepted++
		default:
			// Messenger redelivers on a non-2xx response.
			a.log.Warn().Int("accepted", accepted).Int("events", len(msgs)).Msg("webhook_backpressure")
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
	}
	a.log.Debug().Int("events", accepted).Msg("webhook_received")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "events": accepted})
}

// parseEvents converts a webhook payload into inbound messages. Echoes of
// the page's own messages and events without content are dropped. A
// postback becomes a message carrying the button title.
func parseEvents(p webhookPayload) []telegraph.InboundMessage {
	var out []telegraph.InboundMessage
	for _, entry := range p.Entry {
		for _, ev := range entry.Messaging {
			if ev.Sender.ID == "" {
				continue
			}
			msg := telegraph.InboundMessage{
				Platform:  Platform,
				ChannelID: ev.Sender.ID,
				UserID:    ev.Sender.ID,
				Timestamp: time.UnixMilli(ev.Timestamp),
			}
			switch {
			case ev.Message != nil:
				if ev.Message.IsEcho {
					continue
				}
				msg.Text = ev.Message.Text
				for _, att := range ev.Message.Attachments {
					if att.Payload.URL == "" {
						continue
					}
					msg.Attachments = append(msg.Attachments, telegraph.Attachment{
						Type:  att.Type,
						URL:   att.Payload.URL,
						Title: att.Title,
					})
				}
			case ev.Postback != nil:
				msg.Text = ev.Postback.Title
				if msg.Text == "" {
					msg.Text = ev.Postback.Payload
				}
			default:
				continue
			}
			if strings.TrimSpace(msg.Text) == "" && len(msg.Attachments) == 0 {
				continue
			}
			out = append(out, msg)
		}
	}
	return out
}

// validSignature checks an X-Hub-Signature-256 header against the body.
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
