// Package bus replicates broadcast envelopes across service instances over
// a shared Redis pub/sub channel. Local delivery never depends on the
// broker: publishes hit the local connection registry synchronously, and
// envelopes coming back from the broker are dropped when this instance
// originated them.
package bus

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"classwatch-backend/internal/models"
)

// Router is the local delivery side, implemented by the connection
// registry. It returns the number of connections the envelope reached.
type Router interface {
	Route(env models.Envelope) int
}

// Bus fans envelopes out locally and, when a broker is configured, to every
// other instance. A nil Redis client or a dead subscription puts the bus in
// degraded single-instance mode: logged once, never fatal.
type Bus struct {
	instanceID uuid.UUID
	router     Router
	rdb        *redis.Client
	channel    string

	cancel      context.CancelFunc
	degradedLog sync.Once
	wg          sync.WaitGroup
}

func New(instanceID uuid.UUID, router Router, rdb *redis.Client, channel string) *Bus {
	return &Bus{
		instanceID: instanceID,
		router:     router,
		rdb:        rdb,
		channel:    channel,
	}
}

// Start begins consuming relayed envelopes. Without a broker it only logs
// the degraded mode once; local publishing keeps working either way.
func (b *Bus) Start() {
	if b.rdb == nil {
		b.logDegraded("no broker configured")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go b.subscribe(ctx)
}

func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Publish delivers to the local registry synchronously, then relays the
// envelope to other instances when the broker is reachable.
func (b *Bus) Publish(ctx context.Context, target models.Target, msgType string, payload any) error {
	return b.PublishFrom(ctx, uuid.Nil, target, msgType, payload)
}

// PublishFrom is Publish with the originating connection recorded so the
// registry never echoes an event back to the connection that caused it.
// Remote instances do not hold that connection, so the exclusion only
// matters locally.
func (b *Bus) PublishFrom(ctx context.Context, originConn uuid.UUID, target models.Target, msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	env := models.Envelope{
		Origin:     b.instanceID,
		OriginConn: originConn,
		Target:     target,
		Type:       msgType,
		Payload:    data,
	}

	// Local delivery first, synchronous with the publish call.
	b.router.Route(env)

	if b.rdb == nil {
		return nil
	}

	wire, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, wire).Err(); err != nil {
		b.logDegraded(err.Error())
	}
	return nil
}

func (b *Bus) subscribe(ctx context.Context) {
	defer b.wg.Done()

	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Surface a dead broker at startup instead of on first message.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.logDegraded(err.Error())
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.logDegraded("broker subscription closed")
				return
			}
			b.handle([]byte(msg.Payload))
		}
	}
}

// handle routes one relayed envelope, discarding echoes of our own
// publishes.
func (b *Bus) handle(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("bus: dropping malformed envelope: %v", err)
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	b.router.Route(env)
}

func (b *Bus) logDegraded(reason string) {
	b.degradedLog.Do(func() {
		log.Printf("bus: cross-instance delivery disabled, continuing single-instance (%s)", reason)
	})
}
