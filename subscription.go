package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// SubCfg represents subscription configuration
type SubCfg struct {
	After        int64
	BatchSize    int
	PollInterval time.Duration
	Topics       []string
}

// SubOpt represents a subscription option
type SubOpt func(SubCfg) SubCfg

// WithOffset indicates the notification id after which to start
// streaming (exclusive)
func WithOffset(after int64) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.After = after

		return cfg
	}
}

// WithBatchSize specifies the read batch size (limit) used when
// draining new notifications
func WithBatchSize(size int) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.BatchSize = size

		return cfg
	}
}

// WithPollInterval specifies the bounded wait used as a fallback when
// no commit signal arrives
func WithPollInterval(d time.Duration) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.PollInterval = d

		return cfg
	}
}

// WithTopicFilter restricts the subscription to the given topics
func WithTopicFilter(topics ...string) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.Topics = topics

		return cfg
	}
}

// Subscription streams committed notifications in global id order.
//
// The Err chan produces the error that terminated the background
// listener: ErrSubscriptionClosedByClient after Close, the context
// error on cancellation, or the captured (translated) backend error on
// an unrecoverable connection failure. Ids are strictly increasing but
// may have gaps; consumers must track position by the ids they receive.
type Subscription struct {
	Err           chan error
	Notifications chan Notification

	r        *ApplicationRecorder
	listener *pq.Listener
	cfg      SubCfg
	connErr  chan error
	close    chan struct{}
}

// Close closes the subscription and halts the background listener
func (s *Subscription) Close() {
	if s.close == nil {
		return
	}

	select {
	case s.close <- struct{}{}:
	default:
	}
}

// Subscribe creates a subscription streaming this stream's notifications
// as they commit. A background listener holds a dedicated long-lived
// connection in autocommit mode, listens on the stream's channel and
// wakes on commit signals, with the poll interval as a bounded fallback.
//
// Requires a listen/notify capable backend; on any other backend
// ErrNotSupported is returned.
func (r *ApplicationRecorder) Subscribe(ctx context.Context, opts ...SubOpt) (*Subscription, error) {
	if !r.ds.caps.SupportsListenNotify || r.ds.postgresDSN == "" {
		return nil, fmt.Errorf(
			"%w: subscriptions require a listen/notify capable backend",
			ErrNotSupported,
		)
	}

	cfg := SubCfg{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size should be at least 1", ErrProgramming)
	}

	connErr := make(chan error, 1)

	listener := pq.NewListener(
		r.ds.postgresDSN,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if ev == pq.ListenerEventConnectionAttemptFailed {
				select {
				case connErr <- err:
				default:
				}
			}
		},
	)

	if err := listener.Listen(r.channel()); err != nil {
		_ = listener.Close()

		return nil, translateErr(err)
	}

	sub := Subscription{
		Err:           make(chan error, 1),
		Notifications: make(chan Notification, cfg.BatchSize),
		r:             r,
		listener:      listener,
		cfg:           cfg,
		connErr:       connErr,
		close:         make(chan struct{}, 1),
	}

	go sub.run(ctx)

	return &sub, nil
}

func (s *Subscription) run(ctx context.Context) {
	defer func() {
		_ = s.listener.Close()
	}()

	s.r.ds.log.Debug("subscription listener started", "channel", s.r.channel())

	offset := s.cfg.After

	for {
		select {
		case <-s.close:
			s.Err <- ErrSubscriptionClosedByClient

			return
		case <-ctx.Done():
			s.Err <- ctx.Err()

			return
		case err := <-s.connErr:
			s.r.ds.log.Error("subscription listener connection failed", "channel", s.r.channel(), "err", err)

			s.Err <- translateErr(err)

			return
		case <-s.listener.Notify:
		case <-time.After(s.cfg.PollInterval):
		}

		next, done := s.drain(ctx, offset)
		if done {
			return
		}

		offset = next
	}
}

// drain reads everything committed after offset and pushes it to the
// client, returning the new offset
func (s *Subscription) drain(ctx context.Context, offset int64) (int64, bool) {
	for {
		opts := []NotificationOption{ExclusiveOfStart()}

		if len(s.cfg.Topics) > 0 {
			opts = append(opts, WithTopics(s.cfg.Topics...))
		}

		batch, err := s.r.SelectNotifications(ctx, offset, s.cfg.BatchSize, opts...)
		if err != nil {
			s.Err <- err

			return offset, true
		}

		if len(batch) == 0 {
			return offset, false
		}

		for _, n := range batch {
			select {
			case s.Notifications <- n:
				offset = n.ID
			case <-s.close:
				s.Err <- ErrSubscriptionClosedByClient

				return offset, true
			case <-ctx.Done():
				s.Err <- ctx.Err()

				return offset, true
			}
		}
	}
}
