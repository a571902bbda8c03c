package telegraph

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/pipeline"
)

// DefaultNoticeBuffer is the operator notice queue depth.
const DefaultNoticeBuffer = 256

// OperatorNotifier posts pipeline notices to the operator channel. Notify
// never blocks: notices are queued and dropped when the queue is full.
type OperatorNotifier struct {
	adapter Adapter
	channel string
	queue   chan pipeline.Notice
	dropped atomic.Int64
	log     zerolog.Logger
}

// OperatorNotifierOpts holds parameters for creating an OperatorNotifier.
type OperatorNotifierOpts struct {
	Adapter Adapter
	Channel string
	Buffer  int
	Logger  zerolog.Logger
}

// NewOperatorNotifier creates an OperatorNotifier. Call Run to start posting.
func NewOperatorNotifier(opts OperatorNotifierOpts) (*OperatorNotifier, error) {
	if opts.Adapter == nil {
		return nil, errors.New("telegraph: notifier: adapter is required")
	}
	if opts.Channel == "" {
		return nil, errors.New("telegraph: notifier: channel is required")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultNoticeBuffer
	}
	return &OperatorNotifier{
		adapter: opts.Adapter,
		channel: opts.Channel,
		queue:   make(chan pipeline.Notice, opts.Buffer),
		log:     opts.Logger.With().Str("component", "operator_notifier").Logger(),
	}, nil
}

// Notify implements pipeline.Notifier. Admin action notices are not posted;
// the admin who acted already knows.
func (n *OperatorNotifier) Notify(_ context.Context, notice pipeline.Notice) {
	if notice.Kind == pipeline.NoticeAdminAction {
		return
	}
	select {
	case n.queue <- notice:
	default:
		n.dropped.Add(1)
		n.log.Warn().Str("kind", notice.Kind).Str("conversation_id", notice.ConversationID).Msg("notice_dropped")
	}
}

// Dropped returns the number of notices dropped because the queue was full.
func (n *OperatorNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Run posts queued notices until ctx is cancelled.
func (n *OperatorNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-n.queue:
			n.post(ctx, FormatNotice(notice))
		}
	}
}

// Post sends a formatted event to the operator channel.
func (n *OperatorNotifier) Post(ctx context.Context, ev FormattedEvent) error {
	return n.adapter.Send(ctx, OutboundMessage{ChannelID: n.channel, Events: []FormattedEvent{ev}})
}

func (n *OperatorNotifier) post(ctx context.Context, ev FormattedEvent) {
	if err := n.Post(ctx, ev); err != nil {
		n.log.Error().Err(err).Str("title", ev.Title).Msg("operator_post_failed")
	}
}
