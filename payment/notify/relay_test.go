package notify_test

import (
	"context"
	"errors"
	"testing"

	"cafe-pos/payment/db"
	"cafe-pos/payment/db/dbtest"
	"cafe-pos/payment/notify"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type flakySink struct {
	fail bool
	got  []notify.Message
}

func (s *flakySink) Publish(_ context.Context, m notify.Message) error {
	if s.fail {
		return errors.New("broker down")
	}
	s.got = append(s.got, m)
	return nil
}

func TestRelayRetriesUntilPublished(t *testing.T) {
	conn := dbtest.Open(t)
	row := notify.Row(&db.Order{ID: 7, ShopID: 1, OrderNumber: "ORD-20261019-0007", QueueNumber: 7, Total: decimal.RequireFromString("4.5")})
	if err := conn.Create(&row).Error; err != nil {
		t.Fatal(err)
	}

	sink := &flakySink{fail: true}
	relay := notify.NewRelay(conn, sink, zap.NewNop())
	ctx := context.Background()

	if err := relay.Deliver(ctx, 7); err == nil {
		t.Fatal("Expected delivery error")
	}
	var stored db.StaffNotification
	conn.First(&stored, row.ID)
	if stored.Attempts != 1 || stored.LastError == "" || stored.PublishedAt != nil {
		t.Fatalf("unexpected outbox row %+v", stored)
	}

	sink.fail = false
	n, err := relay.Flush(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 published, got %d %v", n, err)
	}
	if len(sink.got) != 1 || sink.got[0].Message != "Queue #7 - New Order #ORD-20261019-0007" || sink.got[0].Total != "4.50" {
		t.Errorf("unexpected message %+v", sink.got)
	}

	// published rows are never sent again
	if n, _ := relay.Flush(ctx, 10); n != 0 {
		t.Error("Expected nothing left to publish, got", n)
	}
	if err := relay.Deliver(ctx, 7); err != nil || len(sink.got) != 1 {
		t.Error("Expected Deliver to skip a published row")
	}
}

// closingSink takes the database down before failing, so the attempt
// bookkeeping that follows cannot be written.
type closingSink struct{ conn *gorm.DB }

func (s closingSink) Publish(context.Context, notify.Message) error {
	if sqlDB, err := s.conn.DB(); err == nil {
		sqlDB.Close()
	}
	return errors.New("broker down")
}

func TestRelayLogsUnrecordedAttempt(t *testing.T) {
	conn := dbtest.Open(t)
	row := notify.Row(&db.Order{ID: 9, ShopID: 1, OrderNumber: "ORD-20261019-0009", QueueNumber: 9, Total: decimal.RequireFromString("2")})
	if err := conn.Create(&row).Error; err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	relay := notify.NewRelay(conn, closingSink{conn}, zap.New(core))
	if err := relay.Deliver(context.Background(), 9); err == nil {
		t.Fatal("Expected publish error")
	}
	if n := logs.FilterMessage("record notification attempt failed").Len(); n != 1 {
		t.Errorf("Expected the failed attempt update to be logged, got %d entries", n)
	}
}
