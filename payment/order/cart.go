package order

import (
	"errors"
	"fmt"

	"cafe-pos/payment/apperr"
	"cafe-pos/payment/db"

	"gorm.io/gorm"
)

// CartSource reads a session's cart with authoritative prices and clears it.
// Both calls run inside the caller's transaction.
type CartSource interface {
	Lines(tx *gorm.DB, session *db.TableSession) ([]Line, error)
	Clear(tx *gorm.DB, sessionID uint) error
}

// DBCart prices cart rows from the products table, never from client input.
type DBCart struct{}

func (DBCart) Lines(tx *gorm.DB, session *db.TableSession) ([]Line, error) {
	var items []db.CartItem
	if err := tx.Preload("Options").Where("session_id = ?", session.ID).
		Order("id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	lines := make([]Line, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, apperr.Validationf("quantity", "cart item %d has quantity %d", it.ID, it.Quantity)
		}
		var p db.Product
		err := tx.Where("id = ? AND shop_id = ?", it.ProductID, session.ShopID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !p.Available) {
			return nil, apperr.Validationf("product_id", "product %d is not available", it.ProductID)
		}
		if err != nil {
			return nil, fmt.Errorf("load product %d: %w", it.ProductID, err)
		}

		line := Line{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  it.Quantity,
			Notes:     it.Notes,
		}
		for _, sel := range it.Options {
			var opt db.ProductOption
			err := tx.Where("id = ? AND product_id = ?", sel.ProductOptionID, p.ID).First(&opt).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.Validationf("options", "option %d does not belong to product %d", sel.ProductOptionID, p.ID)
			}
			if err != nil {
				return nil, fmt.Errorf("load option %d: %w", sel.ProductOptionID, err)
			}
			line.Options = append(line.Options, Option{Name: opt.Name, ExtraPrice: opt.ExtraPrice})
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (DBCart) Clear(tx *gorm.DB, sessionID uint) error {
	var ids []uint
	if err := tx.Model(&db.CartItem{}).Where("session_id = ?", sessionID).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("list cart: %w", err)
	}
	if len(ids) > 0 {
		if err := tx.Where("cart_item_id IN ?", ids).Delete(&db.CartItemOption{}).Error; err != nil {
			return fmt.Errorf("clear cart options: %w", err)
		}
	}
	if err := tx.Where("session_id = ?", sessionID).Delete(&db.CartItem{}).Error; err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
