package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes to a durable fanout exchange with publisher confirms.
// Routing key is the shop id so per-shop consumers can bind a topic copy.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	acks     <-chan amqp.Confirmation
	exchange string
	mu       sync.Mutex
}

func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQPSink{
		conn:     conn,
		ch:       ch,
		acks:     ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		exchange: exchange,
	}, nil
}

func (s *AMQPSink) Publish(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tag := s.ch.GetNextPublishSeqNo()
	err = s.ch.PublishWithContext(ctx, s.exchange, strconv.FormatUint(uint64(m.ShopID), 10), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    strconv.FormatUint(uint64(m.OrderID), 10),
		Timestamp:    time.Now().UTC(),
		Type:         "order.paid",
		Body:         body,
	})
	if err != nil {
		return err
	}

	return awaitConfirm(ctx, s.acks, tag)
}

// awaitConfirm waits for the confirmation of delivery tag. Confirmations of
// earlier publishes abandoned on ctx are still queued and are skipped.
func awaitConfirm(ctx context.Context, acks <-chan amqp.Confirmation, tag uint64) error {
	for {
		select {
		case conf, ok := <-acks:
			if !ok {
				return errors.New("amqp channel closed before confirm")
			}
			if conf.DeliveryTag < tag {
				continue
			}
			if conf.Ack {
				return nil
			}
			return errors.New("broker nacked staff notification")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *AMQPSink) Ping() error {
	if s.conn == nil || s.conn.IsClosed() {
		return errors.New("amqp connection is closed")
	}
	return nil
}

func (s *AMQPSink) Close() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
