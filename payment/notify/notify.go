package notify

import (
	"context"
	"fmt"
	"time"

	"cafe-pos/payment/db"

	"go.uber.org/zap"
)

// Message is what staff devices receive when an order becomes paid.
type Message struct {
	OrderID     uint      `json:"id"`
	ShopID      uint      `json:"shop_id"`
	OrderNumber string    `json:"order_number"`
	QueueNumber int       `json:"queue_number"`
	Total       string    `json:"total"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

type Sink interface {
	Publish(ctx context.Context, m Message) error
}

// Row builds the outbox row for a freshly paid order.
func Row(o *db.Order) db.StaffNotification {
	return db.StaffNotification{
		OrderID:     o.ID,
		ShopID:      o.ShopID,
		OrderNumber: o.OrderNumber,
		QueueNumber: o.QueueNumber,
		Total:       o.Total,
		Message:     fmt.Sprintf("Queue #%d - New Order #%s", o.QueueNumber, o.OrderNumber),
	}
}

func FromRow(n *db.StaffNotification) Message {
	return Message{
		OrderID:     n.OrderID,
		ShopID:      n.ShopID,
		OrderNumber: n.OrderNumber,
		QueueNumber: n.QueueNumber,
		Total:       n.Total.StringFixed(2),
		Message:     n.Message,
		CreatedAt:   n.CreatedAt,
	}
}

// LogSink writes notifications to the log. Used when no broker is configured.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Publish(_ context.Context, m Message) error {
	s.Log.Info("staff notification",
		zap.Uint("order_id", m.OrderID), zap.Uint("shop_id", m.ShopID),
		zap.String("order_number", m.OrderNumber), zap.String("message", m.Message))
	return nil
}
