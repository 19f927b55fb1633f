// Package rabbit publishes engine events to a RabbitMQ topic exchange.
// Routing keys are the bus channel names (trades, settlements, orders,
// alerts); bodies are the protobuf envelopes produced by package events.
package rabbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is used when Config.Exchange is empty.
const DefaultExchange = "hybrid.events"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("rabbit: publisher closed")

// Config holds broker parameters.
type Config struct {
	URL         string
	Exchange    string
	DialTimeout time.Duration
}

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one live connection and channel.
type session struct {
	ch     channel
	closed <-chan *amqp.Error
	close  func() error
}

type dialFunc func(url string) (session, error)

// Publisher implements the engine's Publish(ctx, channel, payload) contract
// on AMQP. A broken connection is re-dialled on the next publish.
type Publisher struct {
	cfg    Config
	dial   dialFunc
	logger *slog.Logger

	mu     sync.Mutex
	sess   *session
	closed bool
}

// New dials the broker, retrying until cfg.DialTimeout, and declares the
// exchange.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	return newPublisher(ctx, cfg, dialAMQP, logger)
}

func newPublisher(ctx context.Context, cfg Config, dial dialFunc, logger *slog.Logger) (*Publisher, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	p := &Publisher{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With(slog.String("component", "rabbit")),
	}
	if err := p.connectRetry(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func dialAMQP(url string) (session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return session{}, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return session{}, err
	}
	return session{
		ch:     ch,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		close:  conn.Close,
	}, nil
}

func (p *Publisher) connectRetry(ctx context.Context) error {
	deadline := time.Now().Add(p.cfg.DialTimeout)
	backoff := 100 * time.Millisecond
	for {
		err := p.connect()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rabbit: connect: %w", err)
		}
		p.logger.Warn("broker unavailable, retrying", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return fmt.Errorf("rabbit: connect: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (p *Publisher) connect() error {
	s, err := p.dial(p.cfg.URL)
	if err != nil {
		return err
	}
	if err := s.ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		s.close()
		return fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}
	p.mu.Lock()
	p.sess = &s
	p.mu.Unlock()
	return nil
}

// live returns the current session, dropping it if the broker closed it.
func (p *Publisher) live() (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.sess != nil {
		select {
		case err := <-p.sess.closed:
			p.logger.Warn("broker connection lost", slog.Any("reason", err))
			p.sess = nil
		default:
		}
	}
	return p.sess, nil
}

// Publish sends payload with routing key channel.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	s, err := p.live()
	if err != nil {
		return err
	}
	if s == nil {
		if err := p.connect(); err != nil {
			return fmt.Errorf("rabbit: reconnect: %w", err)
		}
		if s, err = p.live(); err != nil {
			return err
		}
	}
	err = s.ch.PublishWithContext(ctx, p.cfg.Exchange, channel, false, false, amqp.Publishing{
		ContentType:  "application/x-protobuf",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		p.mu.Lock()
		if p.sess == s {
			p.sess = nil
		}
		p.mu.Unlock()
		s.close()
		return fmt.Errorf("rabbit: publish %s: %w", channel, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.sess == nil {
		return nil
	}
	p.sess.ch.Close()
	err := p.sess.close()
	p.sess = nil
	return err
}
