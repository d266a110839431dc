package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"housekeeper/pkg/logx"
)

// AMQPConfig describes where bus events are forwarded.
type AMQPConfig struct {
	URI        string
	Exchange   string // topic exchange, declared durable
	KeyPrefix  string // routing key = KeyPrefix + event type
	Buffer     int
	PublishTTL time.Duration
}

// Publisher is the subset of an AMQP channel the forwarder needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPForwarder relays bus events to a RabbitMQ topic exchange. Delivery is
// best-effort: a failed publish is logged and the event dropped, and the
// connection is re-dialed on the next event.
type AMQPForwarder struct {
	cfg AMQPConfig
	bus Bus
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	pub  Publisher // overrides the dialed channel in tests

	filter func(Event) bool
}

func NewAMQPForwarder(cfg AMQPConfig, bus Bus, log logx.Logger) *AMQPForwarder {
	if cfg.Exchange == "" {
		cfg.Exchange = "housekeeper.events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.PublishTTL <= 0 {
		cfg.PublishTTL = 5 * time.Second
	}
	return &AMQPForwarder{cfg: cfg, bus: bus, log: log, filter: func(Event) bool { return true }}
}

// WithPublisher replaces the dialed channel, typically with a fake.
func (f *AMQPForwarder) WithPublisher(p Publisher) *AMQPForwarder {
	f.pub = p
	return f
}

// OnlyTaskEvents limits forwarding to the task.* topics.
func (f *AMQPForwarder) OnlyTaskEvents() *AMQPForwarder {
	f.filter = func(e Event) bool { return IsTaskEvent(e.Type) }
	return f
}

// Run forwards events until ctx is done. It is meant to be hosted by
// supervisor.GoRestart; a closed subscription returns an error so the loop
// is restarted.
func (f *AMQPForwarder) Run(ctx context.Context) error {
	events, unsub := f.bus.Subscribe(f.cfg.Buffer)
	defer unsub()
	defer f.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return errors.New("event subscription closed")
			}
			if !f.filter(e) {
				continue
			}
			if err := f.forward(ctx, e); err != nil {
				f.log.Warn("event forward failed", logx.String("type", e.Type), logx.Err(err))
				f.close()
			}
		}
	}
}

func (f *AMQPForwarder) forward(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pub, err := f.publisher()
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, f.cfg.PublishTTL)
	defer cancel()
	return pub.PublishWithContext(pctx, f.cfg.Exchange, f.cfg.KeyPrefix+e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
		Type:         e.Type,
		Body:         body,
	})
}

func (f *AMQPForwarder) publisher() (Publisher, error) {
	if f.pub != nil {
		return f.pub, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch != nil && !f.ch.IsClosed() {
		return f.ch, nil
	}
	if f.conn == nil || f.conn.IsClosed() {
		conn, err := amqp.Dial(f.cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		f.conn = conn
	}
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(f.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", f.cfg.Exchange, err)
	}
	f.ch = ch
	return ch, nil
}

func (f *AMQPForwarder) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch != nil {
		if err := f.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			f.log.Debug("amqp channel close", logx.Err(err))
		}
		f.ch = nil
	}
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}
