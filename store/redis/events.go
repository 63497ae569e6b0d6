package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/waline/outbound/job"
)

// SubscribeFinished opens a Pub/Sub feed of finished events for the queue.
// Delivery is best-effort: Redis Pub/Sub drops messages for absent or slow
// subscribers, so waiters should also poll the job record.
func (s *Store) SubscribeFinished(ctx context.Context, queue string) (job.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, finishedChannel(queue))

	// Force the subscription onto the wire before returning so callers
	// don't miss events published right after this call.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("outbound/redis: subscribe finished: %w", err)
	}

	sub := &subscription{
		pubsub: pubsub,
		ch:     make(chan job.FinishedEvent, 16),
	}
	go sub.run(s)
	return sub, nil
}

type subscription struct {
	pubsub *goredis.PubSub
	ch     chan job.FinishedEvent
}

func (s *subscription) run(store *Store) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var evt job.FinishedEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			store.logger.Warn("malformed finished event", "error", err)
			continue
		}
		select {
		case s.ch <- evt:
		default: // slow consumer, best-effort delivery
		}
	}
}

func (s *subscription) C() <-chan job.FinishedEvent { return s.ch }

// Close tears down the Pub/Sub subscription. The event channel closes
// once the receive loop drains.
func (s *subscription) Close() error {
	return s.pubsub.Close()
}
