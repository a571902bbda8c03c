// Package discord implements the telegraph Adapter for Discord over the
// Gateway WebSocket.
//
// Direct messages are user conversations. In guilds the bot only listens to
// the operator channel (and its threads) and to messages that mention it.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/retry"
	"github.com/zulandar/switchyard/internal/telegraph"
)

// Platform is the conversation platform key for Discord users.
const Platform = "discord"

// Defaults for AdapterOpts.
const (
	DefaultInboundBuffer = 100
	DefaultDMCacheSize   = 1024
)

// 429s back off from 2s up to 2m, or longer when Discord's Retry-After asks.
var defaultRateLimit = retry.Policy{
	MaxAttempts:  4,
	InitialDelay: 2 * time.Second,
	MaxDelay:     2 * time.Minute,
	Factor:       2,
}

const intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

// gateway is the part of *discordgo.Session the adapter uses.
type gateway interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// gatewaySession reads channels from the state cache instead of the REST API.
type gatewaySession struct{ *discordgo.Session }

func (g gatewaySession) Channel(channelID string) (*discordgo.Channel, error) {
	return g.State.Channel(channelID)
}

type adapterState int

const (
	stateNew adapterState = iota
	stateConnected
	stateClosed
)

// Adapter implements telegraph.Adapter for Discord.
type Adapter struct {
	token     string
	operator  string
	gw        gateway
	dms       *lru.Cache // user ID -> DM channel ID
	rateLimit retry.Policy
	log       zerolog.Logger

	mu        sync.Mutex
	state     adapterState
	botUserID string
	inbound   chan telegraph.InboundMessage
	stop      context.CancelFunc
	unhook    func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken      string
	ChannelID     string // operator channel
	InboundBuffer int
	DMCacheSize   int
	Logger        zerolog.Logger

	// Session replaces the real gateway in tests.
	Session gateway
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = DefaultInboundBuffer
	}
	if opts.DMCacheSize <= 0 {
		opts.DMCacheSize = DefaultDMCacheSize
	}
	dms, err := lru.New(opts.DMCacheSize)
	if err != nil {
		return nil, fmt.Errorf("discord: dm cache: %w", err)
	}
	return &Adapter{
		token:     opts.BotToken,
		operator:  opts.ChannelID,
		gw:        opts.Session,
		dms:       dms,
		rateLimit: defaultRateLimit,
		log:       opts.Logger.With().Str("component", "discord").Logger(),
		inbound:   make(chan telegraph.InboundMessage, opts.InboundBuffer),
	}, nil
}

// Name returns the platform name.
func (a *Adapter) Name() string { return Platform }

// Connect opens the gateway. The bot's user ID arrives with the Ready event.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case stateClosed:
		return fmt.Errorf("discord: adapter already closed")
	case stateConnected:
		return nil
	}

	if a.gw == nil {
		s, err := discordgo.New("Bot " + a.token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		s.Identify.Intents = intents
		a.gw = gatewaySession{s}
	}

	a.gw.AddHandler(a.onReady)
	// discordgo reconnects by itself; these only log.
	a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Warn().Msg("gateway_disconnected")
	})
	a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		a.log.Info().Msg("gateway_resumed")
	})

	if err := a.gw.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.state = stateConnected
	return nil
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	a.mu.Lock()
	a.botUserID = r.User.ID
	a.mu.Unlock()
	a.log.Info().Str("bot_user", r.User.Username).Str("bot_user_id", r.User.ID).Msg("discord_connected")
}

// Listen registers the message handler and returns the inbound channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateConnected {
		return nil, fmt.Errorf("discord: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	a.unhook = a.gw.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(listenCtx, m)
	})
	return a.inbound, nil
}

// Send posts msg to its thread or channel, else to the user's DM, else to
// the operator channel.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.state == stateConnected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("discord: not connected")
	}

	dest, err := a.destination(ctx, msg)
	if err != nil {
		return classify(fmt.Errorf("discord: open dm: %w", err))
	}
	if dest == "" {
		return retry.Permanent(errors.New("discord: message has no destination"))
	}
	data := render(msg)
	err = a.call(ctx, func() error {
		_, err := a.gw.ChannelMessageSendComplex(dest, data)
		return err
	})
	if err != nil {
		return classify(fmt.Errorf("discord: send to %s: %w", dest, err))
	}
	return nil
}

// Close removes the message handler, closes the inbound channel and the
// gateway.
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
	if a.unhook != nil {
		a.unhook()
	}
	close(a.inbound)
	if a.gw != nil {
		return a.gw.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID once Ready has been received.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// destination resolves where msg goes. Threads are channels in Discord.
func (a *Adapter) destination(ctx context.Context, msg telegraph.OutboundMessage) (string, error) {
	switch {
	case msg.ThreadID != "":
		return msg.ThreadID, nil
	case msg.ChannelID != "":
		return msg.ChannelID, nil
	case msg.UserID != "":
		return a.dmChannel(ctx, msg.UserID)
	default:
		return a.operator, nil
	}
}

// dmChannel returns the DM channel for a user, opening it on first use.
func (a *Adapter) dmChannel(ctx context.Context, userID string) (string, error) {
	if v, ok := a.dms.Get(userID); ok {
		return v.(string), nil
	}
	var ch *discordgo.Channel
	err := a.call(ctx, func() error {
		var err error
		ch, err = a.gw.UserChannelCreate(userID)
		return err
	})
	if err != nil {
		return "", err
	}
	a.dms.Add(userID, ch.ID)
	return ch.ID, nil
}

// call runs one REST request, retrying only 429 responses. Other failures
// return at once; egress owns the retry budget for those.
func (a *Adapter) call(ctx context.Context, fn func() error) error {
	var last error
	out := retry.Do(ctx, a.rateLimit, func(attempt int) error {
		last = fn()
		if last == nil {
			return nil
		}
		wait, limited := retryAfter(last)
		if !limited {
			return retry.Permanent(last)
		}
		a.log.Warn().Int("attempt", attempt).Dur("retry_after", wait).Msg("rate_limited")
		// The policy backoff follows; only wait out what Retry-After asks beyond it.
		if extra := wait - a.rateLimit.Delay(attempt); extra > 0 && attempt < a.rateLimit.MaxAttempts {
			return waitOut(ctx, extra, last)
		}
		return last
	})
	if out.Err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if out.Err == nil {
		return nil
	}
	return last
}

// retryAfter reports whether err is a 429 and the Retry-After it carried.
func retryAfter(err error) (time.Duration, bool) {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	secs, perr := strconv.ParseFloat(restErr.Response.Header.Get("Retry-After"), 64)
	if perr != nil || secs <= 0 {
		return 0, true
	}
	return time.Duration(secs * float64(time.Second)), true
}

func waitOut(ctx context.Context, d time.Duration, err error) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return retry.Permanent(ctx.Err())
	case <-t.C:
		return err
	}
}

// classify marks 4xx responses other than 429 as permanent. Discord answers
// 403 when a user has closed their DMs.
func classify(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
	}
	return err
}
