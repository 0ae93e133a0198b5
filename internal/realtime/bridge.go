package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultSubjectPrefix = "chat.fanout"
	defaultReconnectWait = 500 * time.Millisecond
	defaultNATSTimeout   = 3 * time.Second
)

var (
	errMissingConn = errors.New("realtime: nats connection required")
	errMissingHub  = errors.New("realtime: hub required")
)

// NATSConfig describes how to reach the NATS cluster.
type NATSConfig struct {
	URL  string
	Name string
}

// ConnectNATS opens a connection that reconnects forever.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("realtime: nats url required")
	}
	return nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(defaultNATSTimeout),
	)
}

// envelope is the wire format of a fanned-out event.
type envelope struct {
	Channel string          `json:"channel"`
	Except  string          `json:"except,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// BridgeConfig configures a NATSBridge.
type BridgeConfig struct {
	Conn          *nats.Conn
	Hub           *Hub
	SubjectPrefix string
	Logger        *zap.Logger
}

// NATSBridge is a Publisher that routes every event through NATS so each node
// delivers it to its own local subscribers, including the publishing node.
type NATSBridge struct {
	conn   *nats.Conn
	hub    *Hub
	prefix string
	logger *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSBridge constructs a bridge. Call Start to begin receiving.
func NewNATSBridge(cfg BridgeConfig) (*NATSBridge, error) {
	if cfg.Conn == nil {
		return nil, errMissingConn
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBridge{conn: cfg.Conn, hub: cfg.Hub, prefix: prefix, logger: logger}, nil
}

// Start subscribes to every channel subject.
func (b *NATSBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}
	sub, err := b.conn.Subscribe(b.prefix+".>", b.handleMessage)
	if err != nil {
		return fmt.Errorf("realtime: subscribe: %w", err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription.
func (b *NATSBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Drain()
	b.sub = nil
	return err
}

func (b *NATSBridge) Publish(ctx context.Context, channel, event string, data any) error {
	return b.PublishExcept(ctx, channel, "", event, data)
}

func (b *NATSBridge) PublishExcept(_ context.Context, channel, exceptConnID, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("realtime: encode %s payload: %w", event, err)
	}
	encoded, err := json.Marshal(envelope{
		Channel: channel,
		Except:  exceptConnID,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject(channel), encoded)
}

func (b *NATSBridge) subject(channel string) string {
	return b.prefix + "." + subjectToken(channel)
}

func (b *NATSBridge) handleMessage(msg *nats.Msg) {
	var decoded envelope
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		b.logger.Warn("dropping malformed fan-out envelope", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	b.hub.Deliver(decoded.Channel, Frame{Event: decoded.Event, Data: decoded.Payload}, decoded.Except)
}

// subjectToken maps a channel name onto a single NATS subject token.
func subjectToken(channel string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		default:
			return r
		}
	}, channel)
}
