package notify

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestAwaitConfirmSkipsStaleTags(t *testing.T) {
	acks := make(chan amqp.Confirmation, 2)
	// confirmation of a publish whose caller already gave up
	acks <- amqp.Confirmation{DeliveryTag: 1, Ack: false}
	acks <- amqp.Confirmation{DeliveryTag: 2, Ack: true}
	if err := awaitConfirm(context.Background(), acks, 2); err != nil {
		t.Error("Expected ack for tag 2, got", err)
	}

	acks <- amqp.Confirmation{DeliveryTag: 3, Ack: false}
	if err := awaitConfirm(context.Background(), acks, 3); err == nil {
		t.Error("Expected nack for tag 3")
	}
}

func TestAwaitConfirmGivesUp(t *testing.T) {
	acks := make(chan amqp.Confirmation, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := awaitConfirm(ctx, acks, 1); err != context.DeadlineExceeded {
		t.Error("Expected deadline, got", err)
	}

	close(acks)
	if err := awaitConfirm(context.Background(), acks, 2); err == nil {
		t.Error("Expected error on closed channel")
	}
}
