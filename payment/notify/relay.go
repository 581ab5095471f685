package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cafe-pos/payment/db"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxAttempts = 20

// Relay delivers outbox rows to a Sink. A row is marked published only after
// the sink accepts it, so delivery is at-least-once and the row itself
// guarantees a single notification per order.
type Relay struct {
	db   *gorm.DB
	sink Sink
	log  *zap.Logger
}

func NewRelay(conn *gorm.DB, sink Sink, log *zap.Logger) *Relay {
	return &Relay{db: conn, sink: sink, log: log}
}

// Deliver publishes the outbox row for orderID if it is still pending.
func (r *Relay) Deliver(ctx context.Context, orderID uint) error {
	var n db.StaffNotification
	if err := r.db.WithContext(ctx).Where("order_id = ? AND published_at IS NULL", orderID).
		First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return r.send(ctx, &n)
}

// Flush retries every unpublished row, oldest first. Returns how many were sent.
func (r *Relay) Flush(ctx context.Context, limit int) (int, error) {
	var rows []db.StaffNotification
	if err := r.db.WithContext(ctx).
		Where("published_at IS NULL AND attempts < ?", maxAttempts).
		Order("id").Limit(limit).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}
	sent := 0
	for i := range rows {
		if err := r.send(ctx, &rows[i]); err != nil {
			continue
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) send(ctx context.Context, n *db.StaffNotification) error {
	err := r.sink.Publish(ctx, FromRow(n))
	if err != nil {
		r.log.Warn("staff notification failed",
			zap.Uint("order_id", n.OrderID), zap.Int("attempt", n.Attempts+1), zap.Error(err))
		msg := err.Error()
		if len(msg) > 255 {
			msg = msg[:255]
		}
		if uerr := r.db.WithContext(ctx).Model(&db.StaffNotification{}).Where("id = ?", n.ID).
			Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": msg}).Error; uerr != nil {
			r.log.Error("record notification attempt failed",
				zap.Uint("order_id", n.OrderID), zap.Error(uerr))
		}
		return err
	}
	now := time.Now()
	return r.db.WithContext(ctx).Model(&db.StaffNotification{}).Where("id = ?", n.ID).
		Update("published_at", &now).Error
}
