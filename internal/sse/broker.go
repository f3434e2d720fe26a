package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/model"
	redisclient "github.com/openclaw/session-server-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	AgentID string
	Events  chan Event
	Done    chan struct{}
}

// Broker fans session lifecycle events out to SSE watchers. Events travel
// through redis pub/sub so watchers on any instance see every agent.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // agentID -> set of clients
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(agentID string) *Client {
	client := &Client{
		AgentID: agentID,
		Events:  make(chan Event, 100),
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[agentID] == nil {
		b.clients[agentID] = make(map[*Client]bool)
		go b.subscribeToRedis(agentID)
	}
	b.clients[agentID][client] = true
	clientCount := len(b.clients[agentID])
	b.mu.Unlock()

	log.Info().
		Str("agentId", agentID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.AgentID]; ok {
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.AgentID)
		}

		log.Info().
			Str("agentId", client.AgentID).
			Int("clientCount", len(clients)).
			Msg("sse client unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, agentID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.SessionEventChannel(agentID)
	return b.redis.Publish(ctx, channel, data).Err()
}

// PublishState implements the registry's lifecycle notifier.
func (b *Broker) PublishState(ctx context.Context, agentID string, state model.LifecycleState, detail string) {
	data, _ := json.Marshal(map[string]string{
		"state":  string(state),
		"detail": detail,
	})
	if err := b.Publish(ctx, agentID, Event{Type: "state_change", Data: data}); err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("failed to publish state change")
	}
}

// PublishQR implements the registry's lifecycle notifier.
func (b *Broker) PublishQR(ctx context.Context, agentID string, token *model.QRToken) {
	data, err := json.Marshal(token)
	if err != nil {
		return
	}
	if err := b.Publish(ctx, agentID, Event{Type: "qr", Data: data}); err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("failed to publish qr token")
	}
}

// HandleMessage implements the registry's message sink: opaque payloads are
// forwarded to watchers without inspection.
func (b *Broker) HandleMessage(ctx context.Context, agentID string, payload json.RawMessage) {
	if err := b.Publish(ctx, agentID, Event{Type: "message", Data: payload}); err != nil {
		log.Warn().Err(err).Str("agentId", agentID).Msg("failed to publish message")
	}
}

func (b *Broker) subscribeToRedis(agentID string) {
	channel := redisclient.SessionEventChannel(agentID)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("agentId", agentID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(agentID, event)
		}
	}
}

func (b *Broker) broadcast(agentID string, event Event) {
	b.mu.RLock()
	clients := b.clients[agentID]
	b.mu.RUnlock()

	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("agentId", agentID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
}

func (b *Broker) ClientCount(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[agentID])
}
