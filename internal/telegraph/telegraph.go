package telegraph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/store"
)

// DefaultMaxConcurrency bounds in-flight inbound messages across adapters.
const DefaultMaxConcurrency = 64

// Daemon is the main telegraph process. It connects every chat adapter,
// pumps inbound messages through the Router, posts operator notices and
// runs the escalation digest schedule.
type Daemon struct {
	adapters       []Adapter
	router         *Router
	notifier       *OperatorNotifier
	store          *store.Store
	digest         cron.Schedule // nil when no digest is configured
	maxConcurrency int
	log            zerolog.Logger
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapters       []Adapter
	Router         *Router
	Notifier       *OperatorNotifier // optional; no operator channel when nil
	Store          *store.Store      // required when DigestCron is set
	DigestCron     string            // optional 5-field cron expression
	MaxConcurrency int
	Logger         zerolog.Logger
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if len(opts.Adapters) == 0 {
		return nil, errors.New("telegraph: at least one adapter is required")
	}
	if opts.Router == nil {
		return nil, errors.New("telegraph: router is required")
	}
	var digest cron.Schedule
	if opts.DigestCron != "" {
		if opts.Store == nil {
			return nil, errors.New("telegraph: store is required for the digest")
		}
		if opts.Notifier == nil {
			return nil, errors.New("telegraph: notifier is required for the digest")
		}
		sched, err := parseDigestSchedule(opts.DigestCron)
		if err != nil {
			return nil, fmt.Errorf("telegraph: digest cron: %w", err)
		}
		digest = sched
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Daemon{
		adapters:       opts.Adapters,
		router:         opts.Router,
		notifier:       opts.Notifier,
		store:          opts.Store,
		digest:         digest,
		maxConcurrency: opts.MaxConcurrency,
		log:            opts.Logger.With().Str("component", "telegraph").Logger(),
	}, nil
}

// Run connects the adapters and blocks until ctx is cancelled or every
// inbound channel closes. In-flight messages are drained and the adapters
// closed before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	var connected []Adapter
	closeAll := func() {
		for _, a := range connected {
			if err := a.Close(); err != nil {
				d.log.Error().Err(err).Str("platform", a.Name()).Msg("close_adapter_failed")
			}
		}
	}

	inbound := make(chan InboundMessage)
	var pumps sync.WaitGroup
	for _, a := range d.adapters {
		if err := a.Connect(ctx); err != nil {
			closeAll()
			return fmt.Errorf("telegraph: connect %s: %w", a.Name(), err)
		}
		connected = append(connected, a)
		d.router.Register(a)

		ch, err := a.Listen(ctx)
		if err != nil {
			closeAll()
			return fmt.Errorf("telegraph: listen %s: %w", a.Name(), err)
		}
		pumps.Add(1)
		go func(ch <-chan InboundMessage) {
			defer pumps.Done()
			for msg := range ch {
				select {
				case inbound <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
		d.log.Info().Str("platform", a.Name()).Msg("adapter_online")
	}
	go func() {
		pumps.Wait()
		close(inbound)
	}()

	bg, stopBG := context.WithCancel(ctx)
	var bgWG sync.WaitGroup
	if d.notifier != nil {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			d.notifier.Run(bg)
		}()
	}
	if d.digest != nil {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			d.runDigest(bg)
		}()
	}

	sem := make(chan struct{}, d.maxConcurrency)
	var inflight sync.WaitGroup
	d.log.Info().Int("adapters", len(connected)).Msg("telegraph_online")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-inbound:
			if !ok {
				d.log.Info().Msg("inbound_channels_closed")
				break loop
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				break loop
			}
			inflight.Add(1)
			go func(msg InboundMessage) {
				defer func() {
					<-sem
					inflight.Done()
				}()
				// Errors are logged by the router.
				_ = d.router.Handle(ctx, msg)
			}(msg)
		}
	}

	d.log.Info().Msg("telegraph_shutting_down")
	inflight.Wait()
	stopBG()
	bgWG.Wait()
	closeAll()
	d.log.Info().Msg("telegraph_stopped")
	return nil
}

// fireDigest builds and posts a single digest. An empty queue posts nothing.
func (d *Daemon) fireDigest(ctx context.Context) {
	report, err := BuildDigest(ctx, d.store, d.store.Now())
	if err != nil {
		d.log.Error().Err(err).Msg("digest_failed")
		return
	}
	if report == nil {
		d.log.Debug().Msg("digest_skipped_empty_queue")
		return
	}
	if err := d.notifier.Post(ctx, FormatDigest(report)); err != nil {
		d.log.Error().Err(err).Msg("digest_post_failed")
	}
}
