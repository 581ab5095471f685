package order

import (
	"fmt"
	"time"

	"cafe-pos/payment/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sequencer issues per-shop daily order and queue numbers. The counter row is
// locked for the rest of the caller's transaction so two checkouts never share
// a number.
type Sequencer struct {
	Location *time.Location // business day boundary; UTC when nil
}

type Number struct {
	OrderNumber string
	QueueNumber int
}

func (s Sequencer) Next(tx *gorm.DB, shopID uint, now time.Time) (Number, error) {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	day := now.In(loc).Format("20060102")

	err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&db.OrderSequence{ShopID: shopID, Day: day}).Error
	if err != nil {
		return Number{}, fmt.Errorf("init sequence: %w", err)
	}

	var seq db.OrderSequence
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("shop_id = ? AND day = ?", shopID, day).First(&seq).Error; err != nil {
		return Number{}, fmt.Errorf("lock sequence: %w", err)
	}
	seq.LastNumber++
	if err := tx.Model(&db.OrderSequence{}).
		Where("shop_id = ? AND day = ?", shopID, day).
		Update("last_number", seq.LastNumber).Error; err != nil {
		return Number{}, fmt.Errorf("bump sequence: %w", err)
	}

	return Number{
		OrderNumber: fmt.Sprintf("ORD-%s-%04d", day, seq.LastNumber),
		QueueNumber: seq.LastNumber,
	}, nil
}
