package rabbitmq

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cerr "github.com/storyloom/loom-core/contract/errors"
)

// Config for the reconnecting AMQP publisher.
type Config struct {
	URL         string
	ConnTimeout time.Duration
}

// reconnectingPublisher keeps one connection plus channel alive, redialing
// with backoff whenever the broker drops it. Publish waits for readiness.
//
// Invariant: ready is open exactly while disconnected. markConnected closes
// it once per connection; markDisconnected replaces it with a fresh channel
// before the next dial, so waiters never see a double close.
type reconnectingPublisher struct {
	cfg    Config
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan struct{}
	ready  chan struct{}
}

func newReconnectingPublisher(cfg Config) (*reconnectingPublisher, func()) {
	rp := &reconnectingPublisher{
		cfg:    cfg,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go rp.run()

	return rp, rp.close
}

func (rp *reconnectingPublisher) Publish(ctx context.Context, m PubMsg) error {
	rp.mu.RLock()
	ch := rp.ch
	ready := rp.ready
	rp.mu.RUnlock()

	if ch == nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}

		rp.mu.RLock()
		ch = rp.ch
		rp.mu.RUnlock()

		if ch == nil {
			return fmt.Errorf("%w: rabbitmq not connected", cerr.ErrEnqueueFailed)
		}
	}

	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Headers:      h,
			ContentType:  "application/json",
			Body:         m.Body,
		},
	)
}

func (rp *reconnectingPublisher) run() {
	backoff := time.Second

	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-rp.closed:
			return
		default:
		}

		conn, ch, err := rp.dial()
		if err != nil {
			// exponential backoff with jitter
			sleep := backoff + rand.N(backoff/2) //nolint:gosec // non-crypto jitter
			if sleep > maxBackoff {
				sleep = maxBackoff
			}

			t := time.NewTimer(sleep)
			select {
			case <-rp.closed:
				t.Stop()
				return
			case <-t.C:
			}

			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}

			continue
		}

		backoff = time.Second

		rp.markConnected(conn, ch)

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rp.closed:
			_ = ch.Close()
			_ = conn.Close()

			return
		case <-notify:
			_ = ch.Close()
			_ = conn.Close()
			rp.markDisconnected()
			// loop to reconnect
		}
	}
}

// markConnected publishes the new channel and releases waiters. ready was
// replaced on disconnect, so this close fires exactly once per connection.
func (rp *reconnectingPublisher) markConnected(conn *amqp.Connection, ch *amqp.Channel) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	rp.conn = conn
	rp.ch = ch
	close(rp.ready)
}

// markDisconnected clears the dead channel and arms a fresh ready gate so
// publishers block until the next successful dial.
func (rp *reconnectingPublisher) markDisconnected() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	rp.conn = nil
	rp.ch = nil
	rp.ready = make(chan struct{})
}

func (rp *reconnectingPublisher) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(rp.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "loom-core"},
		Dial:       amqp.DefaultDial(rp.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	return conn, ch, nil
}

func (rp *reconnectingPublisher) close() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	select {
	case <-rp.closed:
		return
	default:
		close(rp.closed)
	}

	if rp.ch != nil {
		_ = rp.ch.Close()
		rp.ch = nil
	}

	if rp.conn != nil {
		_ = rp.conn.Close()
		rp.conn = nil
	}
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect and returns the enqueuer
// plus a cleanup func.
func NewWithAMQPConn(cfg Config) (*Enqueuer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", cerr.ErrEnqueueFailed)
	}

	pub, cleanup := newReconnectingPublisher(cfg)

	return New(pub), cleanup, nil
}
