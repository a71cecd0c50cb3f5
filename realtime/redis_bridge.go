package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/google/uuid"
)

// RedisBridge relays fanout events between processes over a redis pub/sub
// channel. Each process tags its messages with an origin id and ignores its
// own, so local delivery happens exactly once.
type RedisBridge struct {
	rdb      *goredis.Client
	channel  string
	originID string
	onRemote func(Event)
}

type bridgeEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

func NewRedisBridge(rdb *goredis.Client, channel string) *RedisBridge {
	if channel == "" {
		channel = "fanout"
	}
	return &RedisBridge{
		rdb:      rdb,
		channel:  channel,
		originID: uuid.NewString(),
	}
}

func (b *RedisBridge) publish(evt Event) {
	raw, err := json.Marshal(bridgeEnvelope{Origin: b.originID, Event: evt})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		log.Printf("[FANOUT] redis publish failed: %v", err)
	}
}

// Start subscribes and forwards peer events into the local hub until ctx ends.
func (b *RedisBridge) Start(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env bridgeEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					log.Printf("[FANOUT] bad bridge payload: %v", err)
					continue
				}
				if env.Origin == b.originID || b.onRemote == nil {
					continue
				}
				b.onRemote(env.Event)
			}
		}
	}()
	return nil
}
