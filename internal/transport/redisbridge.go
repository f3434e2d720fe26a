// Package transport provides the redis pub/sub bridge to the socket workers
// that hold the actual platform connections. Workers run out of process; this
// side publishes commands and translates the worker's event frames into the
// session manager's event types.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/session-server-go/internal/redis"
	"github.com/openclaw/session-server-go/internal/session"
)

const closeTimeout = 3 * time.Second

// command is the frame published to a worker.
type command struct {
	Action      string          `json:"action"` // connect | logout | refresh_qr | close
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

// frame is the event envelope received from a worker.
type frame struct {
	Type        string          `json:"type"` // qr | connection | credentials | message
	QR          string          `json:"qr,omitempty"`
	State       string          `json:"state,omitempty"`
	StatusCode  int             `json:"statusCode,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type Dialer struct {
	redis *redisclient.Client
}

func NewDialer(redisClient *redisclient.Client) *Dialer {
	return &Dialer{redis: redisClient}
}

func (d *Dialer) Dial(ctx context.Context, agentID string) (session.Transport, error) {
	t := &bridgeTransport{
		agentID: agentID,
		redis:   d.redis,
		events:  make(chan session.Event, 32),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	pubsub := d.redis.Subscribe(t.ctx, redisclient.TransportEventChannel(agentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		t.cancel()
		pubsub.Close()
		return nil, fmt.Errorf("subscribe transport events: %w", err)
	}
	t.pubsub = pubsub

	go t.pump()
	return t, nil
}

// bridgeTransport is one agent's command/event pipe. It satisfies both
// session.Transport and session.QRRefresher.
type bridgeTransport struct {
	agentID string
	redis   *redisclient.Client
	pubsub  *redis.PubSub
	events  chan session.Event
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
}

func (t *bridgeTransport) Connect(ctx context.Context, credentials []byte) error {
	cmd := command{Action: "connect"}
	if len(credentials) > 0 {
		cmd.Credentials = credentials
	}
	return t.send(ctx, cmd)
}

func (t *bridgeTransport) Logout(ctx context.Context) error {
	return t.send(ctx, command{Action: "logout"})
}

func (t *bridgeTransport) RefreshQR(ctx context.Context) error {
	return t.send(ctx, command{Action: "refresh_qr"})
}

func (t *bridgeTransport) Close() error {
	t.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := t.send(ctx, command{Action: "close"}); err != nil {
			log.Debug().Err(err).Str("agentId", t.agentID).Msg("close command not delivered")
		}
		cancel()
		t.cancel()
	})
	return nil
}

func (t *bridgeTransport) Events() <-chan session.Event {
	return t.events
}

func (t *bridgeTransport) send(ctx context.Context, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	channel := redisclient.TransportCommandChannel(t.agentID)
	if err := t.redis.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish transport command: %w", err)
	}
	return nil
}

// pump forwards worker frames to the event channel until Close. The channel is
// closed here so consumers see a clean end of stream.
func (t *bridgeTransport) pump() {
	defer close(t.events)
	defer t.pubsub.Close()

	ch := t.pubsub.Channel()

	for {
		select {
		case <-t.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				log.Warn().Err(err).Str("agentId", t.agentID).Msg("malformed transport frame")
				continue
			}

			event := translate(f)
			if event == nil {
				log.Debug().Str("agentId", t.agentID).Str("type", f.Type).Msg("unknown transport frame type")
				continue
			}

			select {
			case t.events <- event:
			case <-t.ctx.Done():
				return
			}
		}
	}
}

// translate maps a worker frame to a session event. Unknown frames are dropped.
func translate(f frame) session.Event {
	switch f.Type {
	case "qr":
		return session.QREvent{Value: f.QR}
	case "connection":
		return session.ConnectionEvent{
			State:      session.ConnectionState(f.State),
			StatusCode: f.StatusCode,
		}
	case "credentials":
		return session.CredentialsEvent{Credentials: f.Credentials}
	case "message":
		return session.MessageEvent{Payload: f.Payload}
	default:
		return nil
	}
}
