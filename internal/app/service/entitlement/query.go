package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/models"
)

// Latest returns the entitlement currently governing access for
// (user, product), or ErrEntitlementNotFound when the chain is empty.
func (s *Service) Latest(ctx context.Context, userID, productID string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND is_latest = ?", userID, productID, true).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to load latest entitlement: %w", err)
	}
	return &e, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	return &e, nil
}

// GetByPaymentRef finds the entitlement linked to an external payment
// reference, used to resolve webhook events that carry no entitlement id.
func (s *Service) GetByPaymentRef(ctx context.Context, paymentRef string) (*models.Entitlement, error) {
	if paymentRef == "" {
		return nil, ErrEntitlementNotFound
	}
	var e models.Entitlement
	err := s.db.WithContext(ctx).Where("payment_ref = ?", paymentRef).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to load entitlement by payment ref: %w", err)
	}
	return &e, nil
}

// ListForUser returns all of a user's entitlements, newest window first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*models.Entitlement, error) {
	var items []*models.Entitlement
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("end_date desc").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	return items, nil
}

// Chain returns every entitlement of one contiguous chain, oldest first.
func (s *Service) Chain(ctx context.Context, chainID string) ([]*models.Entitlement, error) {
	var items []*models.Entitlement
	err := s.db.WithContext(ctx).
		Where("chain_id = ?", chainID).
		Order("start_date asc").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	return items, nil
}

// AccessWindow is the contract consumed by content-serving collaborators: the
// look-back window for historical items is anchored at the chain's original
// start, not the current entitlement's own start, which is what makes a
// renewal feel continuous instead of resetting history access.
type AccessWindow struct {
	EntitlementID          string    `json:"entitlement_id"`
	ChainID                string    `json:"chain_id"`
	OriginalStartDate      time.Time `json:"original_start_date"`
	StartDate              time.Time `json:"start_date"`
	EndDate                time.Time `json:"end_date"`
	HistoricalArticleLimit int       `json:"historical_article_limit"`
}

func (s *Service) GetAccessWindow(ctx context.Context, id string) (*AccessWindow, error) {
	e, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AccessWindow{
		EntitlementID:          e.ID,
		ChainID:                e.ChainID,
		OriginalStartDate:      e.OriginalStartDate,
		StartDate:              e.StartDate,
		EndDate:                e.EndDate,
		HistoricalArticleLimit: e.HistoricalArticleLimit,
	}, nil
}
