// Package slack implements the telegraph Adapter for Slack using Socket Mode.
//
// End users talk to the bot in direct messages or by mentioning it; the
// operator channel receives notices and "!sy" commands. Everything else the
// bot can see in shared channels is ignored.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchyard/internal/retry"
	"github.com/zulandar/switchyard/internal/telegraph"
)

// Platform is the conversation platform key for Slack users.
const Platform = "slack"

// Defaults for AdapterOpts.
const (
	DefaultInboundBuffer = 100
	DefaultNameCacheSize = 1024
)

// Socket Mode reconnects back off from 2s up to 2m over 10 attempts.
var defaultReconnect = retry.Policy{
	MaxAttempts:  10,
	InitialDelay: 2 * time.Second,
	MaxDelay:     2 * time.Minute,
	Factor:       2,
}

// Rate-limited posts are retried after Slack's Retry-After; the policy only
// bounds the attempts.
var defaultRateLimit = retry.Policy{
	MaxAttempts:  4,
	InitialDelay: time.Millisecond,
	MaxDelay:     time.Millisecond,
}

// Slack API error codes that no retry can fix.
var permanentCodes = map[string]bool{
	"channel_not_found": true,
	"user_not_found":    true,
	"not_in_channel":    true,
	"is_archived":       true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"cannot_dm_bot":     true,
	"msg_too_long":      true,
}

// slackClient is the subset of the Web API the adapter calls.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient is the subset of the Socket Mode client the adapter uses.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketModeClient struct{ *socketmode.Client }

func (s socketModeClient) EventsChan() chan socketmode.Event { return s.Events }

// Adapter implements telegraph.Adapter for Slack.
type Adapter struct {
	appToken  string
	botToken  string
	operator  string // operator channel; also the fallback destination for notices
	client    slackClient
	socket    socketClient
	names     *lru.Cache
	reconnect retry.Policy
	rateLimit retry.Policy
	log       zerolog.Logger

	mu        sync.Mutex
	state     adapterState
	botUserID string
	inbound   chan telegraph.InboundMessage
	stop      context.CancelFunc
}

type adapterState int

const (
	stateNew adapterState = iota
	stateConnected
	stateClosed
)

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken      string // xapp-... app-level token for Socket Mode
	BotToken      string // xoxb-... bot token
	ChannelID     string // operator channel
	InboundBuffer int
	NameCacheSize int
	Logger        zerolog.Logger

	// Injected in tests in place of the real Slack clients.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = DefaultInboundBuffer
	}
	if opts.NameCacheSize <= 0 {
		opts.NameCacheSize = DefaultNameCacheSize
	}
	names, err := lru.New(opts.NameCacheSize)
	if err != nil {
		return nil, fmt.Errorf("slack: name cache: %w", err)
	}
	return &Adapter{
		appToken:  opts.AppToken,
		botToken:  opts.BotToken,
		operator:  opts.ChannelID,
		client:    opts.Client,
		socket:    opts.Socket,
		names:     names,
		reconnect: defaultReconnect,
		rateLimit: defaultRateLimit,
		log:       opts.Logger.With().Str("component", "slack").Logger(),
		inbound:   make(chan telegraph.InboundMessage, opts.InboundBuffer),
	}, nil
}

// Name returns the platform name.
func (a *Adapter) Name() string { return Platform }

// Connect authenticates the bot token and records the bot's user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case stateClosed:
		return fmt.Errorf("slack: adapter already closed")
	case stateConnected:
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = socketModeClient{socketmode.New(api)}
	}
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.state = stateConnected
	a.log.Info().Str("bot_user_id", a.botUserID).Msg("slack_connected")
	return nil
}

// Listen starts the Socket Mode connection and event pump.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateConnected {
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.stop = cancel

	go a.runSocket(listenCtx)
	go a.pump(listenCtx)
	return a.inbound, nil
}

// Send posts msg to its channel, or to the user's DM when only UserID is
// set, or to the operator channel when neither is set.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.state == stateConnected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}

	dest := destination(msg, a.operator)
	if dest == "" {
		return retry.Permanent(errors.New("slack: message has no destination"))
	}
	if err := a.post(ctx, dest, render(msg)); err != nil {
		return classify(fmt.Errorf("slack: post to %s: %w", dest, err))
	}
	return nil
}

// Close stops the event pump and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateClosed {
		return nil
	}
	a.state = stateClosed
	if a.stop != nil {
		a.stop()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func destination(msg telegraph.OutboundMessage, operator string) string {
	switch {
	case msg.ChannelID != "":
		return msg.ChannelID
	case msg.UserID != "":
		// Posting to a user ID opens the bot's DM with that user.
		return msg.UserID
	default:
		return operator
	}
}

// runSocket keeps the Socket Mode connection up, backing off between
// failed runs. A clean return from Run ends the loop.
func (a *Adapter) runSocket(ctx context.Context) {
	out := retry.Do(ctx, a.reconnect, func(attempt int) error {
		err := a.socket.Run()
		if err != nil && ctx.Err() == nil {
			a.log.Warn().Err(err).Int("attempt", attempt).Msg("socket_mode_disconnected")
		}
		return err
	})
	if out.Err != nil && ctx.Err() == nil {
		a.log.Error().Err(out.Err).Int("attempts", out.Attempts).Msg("socket_mode_reconnect_exhausted")
	}
}

// post sends one message, waiting out Slack rate limits. Other errors are
// returned on the first failure; egress owns the retry budget for those.
func (a *Adapter) post(ctx context.Context, channelID string, options []slackapi.MsgOption) error {
	var last error
	out := retry.Do(ctx, a.rateLimit, func(int) error {
		_, _, last = a.client.PostMessage(channelID, options...)
		var limited *slackapi.RateLimitedError
		if !errors.As(last, &limited) {
			return retry.Permanent(last)
		}
		return sleep(ctx, limited.RetryAfter, last)
	})
	if out.Err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return last
}

// sleep waits d (at least a second when Slack sent no Retry-After) and
// returns err so the caller retries.
func sleep(ctx context.Context, d time.Duration, err error) error {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return retry.Permanent(ctx.Err())
	case <-t.C:
		return err
	}
}

// classify marks errors carrying a permanent Slack error code.
func classify(err error) error {
	var resp slackapi.SlackErrorResponse
	if errors.As(err, &resp) {
		if permanentCodes[resp.Err] {
			return retry.Permanent(err)
		}
		return err
	}
	msg := err.Error()
	for code := range permanentCodes {
		if strings.Contains(msg, code) {
			return retry.Permanent(err)
		}
	}
	return err
}
