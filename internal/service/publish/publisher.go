// Package publish mirrors gateway events onto an AMQP topic exchange.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const maxDialDelay = 60 * time.Second

// Meta describes one mirrored event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      string    `json:"producer,omitempty"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// Envelope is the broker message body.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Publisher sends envelopes to an exchange under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// Options configures the AMQP connection.
type Options struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
}

// AMQPPublisher publishes with confirms enabled on a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
}

// Dial connects with exponential backoff and declares the exchange.
func Dial(ctx context.Context, opts Options) (*AMQPPublisher, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	conn, err := dialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}

	log.Printf("[amqp] connected exchange=%s", opts.Exchange)
	return &AMQPPublisher{conn: conn, exchange: opts.Exchange}, nil
}

func dialWithRetry(ctx context.Context, opts Options) (*amqp.Connection, error) {
	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		log.Printf("[amqp] dial attempt %d failed, retry in %s: %v", i, sleep, err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect to broker after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// Publish sends one persistent message and waits for the broker confirm.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msgID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}
	return nil
}

// Close closes the connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
