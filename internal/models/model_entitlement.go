package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/meridianpress/entitlements/pkg/types"
)

// Entitlement is one purchased or granted access window for a (user, product)
// pair. Successive purchases are linked into a chain via ReplacedEntitlementID
// and ChainID so access history stays contiguous across renewals.
//
// Status is a cache of the last reconciliation, never ground truth: any reader
// may recompute it from (now, EndDate, PaymentStatus).
type Entitlement struct {
	ID        string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID    string `gorm:"column:user_id;type:varchar(64);not null;index:idx_user_product,priority:1" json:"user_id"`
	ProductID string `gorm:"column:product_id;type:varchar(64);not null;index:idx_user_product,priority:2" json:"product_id"`
	// Variant snapshots the purchased product variant (duration, price,
	// discount, amount paid) so later catalog edits cannot rewrite history.
	Variant datatypes.JSONType[*types.Variant] `gorm:"column:variant;type:jsonb" json:"variant"`

	// Access window, half-open: [StartDate, EndDate).
	StartDate time.Time `gorm:"column:start_date;not null" json:"start_date"`
	EndDate   time.Time `gorm:"column:end_date;not null;index" json:"end_date"`
	// OriginalStartDate is the start of the chain this entitlement belongs
	// to. It is inherited unchanged across renewals and anchors the
	// historical-content look-back window.
	OriginalStartDate time.Time  `gorm:"column:original_start_date;not null" json:"original_start_date"`
	LastStatusCheck   *time.Time `gorm:"column:last_status_check;default:null" json:"last_status_check"`

	Status        types.EntitlementStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	PaymentStatus types.PaymentStatus     `gorm:"column:payment_status;type:varchar(32);not null" json:"payment_status"`
	PaymentRef    string                  `gorm:"column:payment_ref;type:varchar(128)" json:"payment_ref"`

	// Chain linkage. At most one entitlement per (user, product) chain has
	// IsLatest set; retiring the predecessor and installing the successor
	// happen in one DB transaction with a conditional retire.
	IsLatest               bool    `gorm:"column:is_latest;not null;index:idx_user_product,priority:3" json:"is_latest"`
	IsRenewal              bool    `gorm:"column:is_renewal;not null" json:"is_renewal"`
	ReplacedEntitlementID  *string `gorm:"column:replaced_entitlement_id;type:uuid;default:null" json:"replaced_entitlement_id"`
	ChainID                string  `gorm:"column:chain_id;type:uuid;not null;index" json:"chain_id"`
	HistoricalArticleLimit int     `gorm:"column:historical_article_limit;not null;default:0" json:"historical_article_limit"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Entitlement) TableName() string {
	return "entitlement"
}

// AccessActive reports whether the entitlement grants access at t. Payment
// must have completed; the date window alone never grants access.
func (e *Entitlement) AccessActive(t time.Time) bool {
	return e != nil &&
		e.PaymentStatus == types.PaymentStatusCompleted &&
		!e.StartDate.After(t) &&
		e.EndDate.After(t)
}

// GetVariant returns the variant snapshot, or nil when absent.
func (e *Entitlement) GetVariant() *types.Variant {
	if e == nil {
		return nil
	}
	return e.Variant.Data()
}
