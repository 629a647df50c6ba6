package sqlstore

import (
	"context"
	"errors"
	"log/slog"
)

// Subscriber streams committed notifications.
// ApplicationRecorder and ProcessRecorder are Subscriber implementations.
type Subscriber interface {
	Subscribe(ctx context.Context, opts ...SubOpt) (*Subscription, error)
}

// Tracker persists consumer watermarks.
// TrackingRecorder and ProcessRecorder are Tracker implementations.
type Tracker interface {
	MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error)
	InsertTracking(ctx context.Context, tracking Tracking) error
}

// Projection handles a single notification
type Projection func(Notification) error

// NewProjector constructs a Projector for the named upstream
// application. name identifies the notification source being tracked
// and keys the watermark used to resume consumption.
func NewProjector(name string, sub Subscriber, tracker Tracker, opts ...Option) *Projector {
	var cfg Cfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Projector{
		name:    name,
		sub:     sub,
		tracker: tracker,
		log:     cfg.Logger,
	}
}

// Projector consumes an application's notification stream, projects each
// notification and durably advances the consumer watermark so a restart
// resumes exactly after the last processed notification.
type Projector struct {
	name        string
	sub         Subscriber
	tracker     Tracker
	projections []Projection
	log         *slog.Logger
}

// Add registers projections with the projector.
// Make sure to add all of your projections before calling Run.
func (p *Projector) Add(projections ...Projection) {
	p.projections = append(p.projections, projections...)
}

// Run resumes from the stored watermark and consumes notifications until
// the context is canceled or the subscription fails. Each notification
// is handed to every projection in registration order before the
// watermark advances, so a crash replays at-least-once from the last
// recorded position.
func (p *Projector) Run(ctx context.Context, opts ...SubOpt) error {
	offset, ok, err := p.tracker.MaxTrackingID(ctx, p.name)
	if err != nil {
		return err
	}

	if ok {
		opts = append(opts, WithOffset(offset))
	}

	sub, err := p.sub.Subscribe(ctx, opts...)
	if err != nil {
		return err
	}

	defer sub.Close()

	for {
		select {
		case n := <-sub.Notifications:
			if err := p.project(ctx, n); err != nil {
				return err
			}

		case err := <-sub.Err:
			// Drain notifications buffered ahead of the terminal error
			for {
				select {
				case n := <-sub.Notifications:
					if perr := p.project(ctx, n); perr != nil {
						return perr
					}
				default:
					if errors.Is(err, ErrSubscriptionClosedByClient) {
						return nil
					}

					return err
				}
			}
		}
	}
}

func (p *Projector) project(ctx context.Context, n Notification) error {
	for _, projection := range p.projections {
		if err := projection(n); err != nil {
			p.log.Error("projection failed", "application", p.name, "notification_id", n.ID, "err", err)

			return err
		}
	}

	return p.tracker.InsertTracking(ctx, Tracking{
		ApplicationName: p.name,
		NotificationID:  n.ID,
	})
}
