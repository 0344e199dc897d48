package invalidation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const DefaultReconnectBackoff = 5 * time.Second

var ErrConnectionLost = errors.New("push connection lost")

// Push messages only signal that something changed; nothing beyond the
// type is read.
const pushMessageSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["notification", "update"]}
  }
}`

var (
	pushSchemaOnce sync.Once
	pushSchema     *jsonschema.Schema
	pushSchemaErr  error
)

// ValidatePushMessage returns nil when raw is a message that should
// trigger a refetch.
func ValidatePushMessage(raw []byte) error {
	pushSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushMessageSchemaJSON))
		if err != nil {
			pushSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("relaydash-push.json", doc); err != nil {
			pushSchemaErr = err
			return
		}
		pushSchema, pushSchemaErr = compiler.Compile("relaydash-push.json")
	})
	if pushSchemaErr != nil {
		return pushSchemaErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode push message: %w", err)
	}
	return pushSchema.Validate(inst)
}

// PushChannel is one connection attempt. Listen blocks until the connection
// ends and returns the reason.
type PushChannel interface {
	Name() string
	Listen(ctx context.Context, deliver func([]byte)) error
}

// PushRunner keeps a push channel connected, reconnecting after a fixed
// backoff whenever it drops.
type PushRunner struct {
	Channel PushChannel
	Backoff time.Duration
	Logger  *zap.Logger
}

func (p *PushRunner) Run(ctx context.Context, fire func(TriggerKind)) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("channel", p.Channel.Name()))
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	deliver := func(raw []byte) {
		if err := ValidatePushMessage(raw); err != nil {
			logger.Debug("ignoring push message", zap.Error(err))
			return
		}
		fire(TriggerPush)
	}
	for {
		err := p.Channel.Listen(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("push channel closed, reconnecting",
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

type WebSocketChannel struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
}

func (w *WebSocketChannel) Name() string {
	return "websocket"
}

func (w *WebSocketChannel) Listen(ctx context.Context, deliver func([]byte)) error {
	conn, _, err := websocket.Dial(ctx, w.URL, &websocket.DialOptions{
		HTTPHeader: w.Header,
		HTTPClient: w.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("dial push websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		deliver(data)
	}
}

type MQTTChannel struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
}

func (m *MQTTChannel) Name() string {
	return "mqtt"
}

func (m *MQTTChannel) Listen(ctx context.Context, deliver func([]byte)) error {
	lost := make(chan error, 1)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.Broker)
	opts.SetClientID(m.ClientID)
	if m.Username != "" {
		opts.SetUsername(m.Username)
	}
	if m.Password != "" {
		opts.SetPassword(m.Password)
	}
	// Reconnects go through PushRunner so the backoff stays fixed.
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	timeout := m.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connect to MQTT broker %s: timed out", m.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", m.Broker, err)
	}
	defer client.Disconnect(250)

	sub := client.Subscribe(m.Topic, m.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		deliver(msg.Payload())
	})
	if !sub.WaitTimeout(timeout) {
		return fmt.Errorf("subscribe to topic %s: timed out", m.Topic)
	}
	if err := sub.Error(); err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", m.Topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
}
