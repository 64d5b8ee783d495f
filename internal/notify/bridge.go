package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/quantumaikr/exlm-app/internal/store/redisstore"
)

// Publisher is the side of the broadcaster state writers talk to. The worker
// process publishes through Redis so events reach subscribers on the API
// processes; tests swap in the in-process hub directly.
type Publisher interface {
	PublishEvent(ctx context.Context, evt Event)
}

// HubPublisher adapts a Hub to the Publisher interface for single-process
// deployments and tests.
type HubPublisher struct{ Hub *Hub }

func (p HubPublisher) PublishEvent(_ context.Context, evt Event) { p.Hub.Publish(evt) }

// RedisPublisher serializes events onto the shared Redis channel.
type RedisPublisher struct {
	Store *redisstore.Store
}

func (p RedisPublisher) PublishEvent(ctx context.Context, evt Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Printf("notify: marshal event %s: %v", evt.Type, err)
		return
	}
	if err := p.Store.PublishEvent(ctx, b); err != nil {
		log.Printf("notify: publish event %s: %v", evt.Type, err)
	}
}

// RunBridge pumps Redis pub/sub messages into the local hub until ctx is
// cancelled. Run it once per API process.
func RunBridge(ctx context.Context, hub *Hub, store *redisstore.Store) {
	sub := store.SubscribeEvents(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("notify: bad event payload: %v", err)
				continue
			}
			hub.Publish(evt)
		}
	}
}
