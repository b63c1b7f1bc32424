package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Message is one outbox row.
type Message struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// Store reads and acknowledges outbox rows.
type Store interface {
	// FetchUnpublished returns up to limit unpublished messages in id order.
	FetchUnpublished(ctx context.Context, limit int) ([]Message, error)
	// MarkPublished flags the messages as delivered.
	MarkPublished(ctx context.Context, ids []int64) error
}

// Publisher delivers messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// Poller periodically moves unpublished outbox rows to a Publisher. Delivery
// is at least once: a crash between publish and mark republishes the batch.
type Poller struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	batchSize int
}

// NewPoller creates a Poller. Non-positive interval or batch size fall back to
// one second and 100 rows.
func NewPoller(store Store, publisher Publisher, interval time.Duration, batchSize int) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Poller{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("outbox")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.Flush(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				lg.Warn("Outbox flush failed", zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Debug("Outbox flushed", zap.Int("published", n))
			}
		}
	}
}

// Flush publishes pending messages until a batch comes back short. It
// returns the number of messages published.
func (p *Poller) Flush(ctx context.Context) (int, error) {
	var total int
	for {
		msgs, err := p.store.FetchUnpublished(ctx, p.batchSize)
		if err != nil {
			return total, errors.Wrap(err, "fetch unpublished")
		}
		if len(msgs) == 0 {
			return total, nil
		}

		if err := p.publisher.Publish(ctx, msgs...); err != nil {
			return total, errors.Wrap(err, "publish")
		}

		ids := make([]int64, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if err := p.store.MarkPublished(ctx, ids); err != nil {
			return total, errors.Wrap(err, "mark published")
		}
		total += len(msgs)

		if len(msgs) < p.batchSize {
			return total, nil
		}
	}
}
