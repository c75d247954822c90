// services/reward_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

const defaultApprovalTTL = 7 * 24 * time.Hour

// RedemptionSpendKey and RedemptionRefundKey are the ledger idempotency keys
// of a redemption's two possible postings.
func RedemptionSpendKey(redemptionID string) string {
	return fmt.Sprintf("redemption:%s:spend", redemptionID)
}

func RedemptionRefundKey(redemptionID string) string {
	return fmt.Sprintf("redemption:%s:refund", redemptionID)
}

// RewardService runs the catalog and the redemption workflow:
// pending → approved → fulfilled, with cancel (and refund) allowed from
// pending and approved.
type RewardService struct {
	DB          *gorm.DB
	Ledger      *LedgerService
	Log         *logger.Logger
	ApprovalTTL time.Duration
}

func NewRewardService(db *gorm.DB, ledger *LedgerService, log *logger.Logger, approvalTTL time.Duration) *RewardService {
	if log == nil {
		log = logger.Nop()
	}
	if approvalTTL <= 0 {
		approvalTTL = defaultApprovalTTL
	}
	return &RewardService{DB: db, Ledger: ledger, Log: log, ApprovalTTL: approvalTTL}
}

// --- Catalog ---

type CatalogInput struct {
	Title     string `json:"title"`
	ImageURL  string `json:"image_url"`
	Emoji     string `json:"emoji"`
	Excerpt   string `json:"excerpt"`
	PointCost int64  `json:"point_cost"`
	Stock     *int64 `json:"stock"`
	IsActive  *bool  `json:"is_active"`
}

func (s *RewardService) CreateCatalogItem(ctx context.Context, in CatalogInput) (*models.RewardCatalogItem, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.PointCost <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.Stock != nil && *in.Stock < 0 {
		return nil, fmt.Errorf("%w: stock must not be negative", ErrInvalidInput)
	}
	item := &models.RewardCatalogItem{
		ID:        uuid.NewString(),
		Slug:      slug.Make(title),
		Title:     title,
		ImageURL:  in.ImageURL,
		Emoji:     in.Emoji,
		Excerpt:   in.Excerpt,
		PointCost: in.PointCost,
		Stock:     in.Stock,
		IsActive:  true,
	}
	if err := s.DB.WithContext(ctx).Create(item).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("catalog item %q already exists: %w", item.Slug, err)
		}
		return nil, err
	}
	// gorm skips false on create because of the column default
	if in.IsActive != nil && !*in.IsActive {
		if err := s.DB.WithContext(ctx).Model(item).Update("is_active", false).Error; err != nil {
			return nil, err
		}
		item.IsActive = false
	}
	s.Log.Info("catalog item created", "slug", item.Slug, "point_cost", item.PointCost)
	return item, nil
}

// CatalogUpdate changes presentation, availability and stock. Point cost is
// fixed once created; existing redemptions keep what they paid either way.
type CatalogUpdate struct {
	Title    *string `json:"title"`
	ImageURL *string `json:"image_url"`
	Emoji    *string `json:"emoji"`
	Excerpt  *string `json:"excerpt"`
	IsActive *bool   `json:"is_active"`
	// Restock adds to a limited stock; ignored for unlimited items
	Restock *int64 `json:"restock"`
}

func (s *RewardService) UpdateCatalogItem(ctx context.Context, id string, in CatalogUpdate) (*models.RewardCatalogItem, error) {
	db := s.DB.WithContext(ctx)
	updates := map[string]interface{}{}
	if in.Title != nil {
		updates["title"] = strings.TrimSpace(*in.Title)
	}
	if in.ImageURL != nil {
		updates["image_url"] = *in.ImageURL
	}
	if in.Emoji != nil {
		updates["emoji"] = *in.Emoji
	}
	if in.Excerpt != nil {
		updates["excerpt"] = *in.Excerpt
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}
	if in.Restock != nil {
		if *in.Restock <= 0 {
			return nil, ErrInvalidAmount
		}
		if err := db.Model(&models.RewardCatalogItem{}).
			Where("id = ? AND stock IS NOT NULL", id).
			Update("stock", gorm.Expr("stock + ?", *in.Restock)).Error; err != nil {
			return nil, err
		}
	}
	if len(updates) > 0 {
		if err := db.Model(&models.RewardCatalogItem{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	var item models.RewardCatalogItem
	if err := db.Where("id = ?", id).First(&item).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (s *RewardService) ListCatalog(ctx context.Context, includeInactive bool) ([]models.RewardCatalogItem, error) {
	q := s.DB.WithContext(ctx).Model(&models.RewardCatalogItem{})
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	var items []models.RewardCatalogItem
	err := q.Order("point_cost ASC, title ASC").Find(&items).Error
	return items, err
}

// --- Redemptions ---

// Redeem spends pointCost*quantity and opens a pending redemption. Stock,
// the spend and the redemption row commit together or not at all. A repeated
// requestKey returns the redemption created by the first call.
func (s *RewardService) Redeem(ctx context.Context, accountID, itemID string, quantity int64, requestKey string) (*models.Redemption, error) {
	if quantity <= 0 {
		return nil, ErrInvalidAmount
	}
	requestKey = strings.TrimSpace(requestKey)

	var out *models.Redemption
	err := s.Ledger.WithAccount(ctx, accountID, func(atx *AccountTx) error {
		tx := atx.Tx
		if requestKey != "" {
			var prior models.Redemption
			err := tx.Preload("RewardItem").Where("request_key = ?", requestKey).First(&prior).Error
			if err == nil {
				if prior.AccountID != accountID {
					return fmt.Errorf("request key belongs to another student: %w", ErrInvalidStateTransition)
				}
				out = &prior
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		var item models.RewardCatalogItem
		if err := tx.Where("id = ?", itemID).First(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRewardUnavailable
			}
			return err
		}
		if !item.IsActive {
			return ErrRewardUnavailable
		}
		if item.PointCost > 0 && quantity > math.MaxInt64/item.PointCost {
			return ErrInvalidAmount
		}
		cost := item.PointCost * quantity
		if cost > atx.Account.Available {
			return ErrInsufficientBalance
		}

		id := uuid.NewString()
		reserved := false
		if item.Stock != nil {
			res := tx.Model(&models.RewardCatalogItem{}).
				Where("id = ? AND stock >= ?", item.ID, quantity).
				Update("stock", gorm.Expr("stock - ?", quantity))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrRewardUnavailable
			}
			reserved = true
			left := *item.Stock - quantity
			item.Stock = &left
		}

		post, err := s.Ledger.Post(atx, PostRequest{
			Kind:           models.EntrySpend,
			Amount:         cost,
			Source:         "redemption:" + id,
			IdempotencyKey: RedemptionSpendKey(id),
			Metadata:       map[string]interface{}{"item": item.Slug, "quantity": quantity},
		})
		if err != nil {
			return err
		}

		r := &models.Redemption{
			ID:               id,
			AccountID:        accountID,
			RewardItemID:     item.ID,
			Quantity:         quantity,
			PointsSpent:      cost,
			Status:           models.RedemptionPending,
			SpendEntryID:     post.Entry.ID,
			StockReserved:    reserved,
			ApprovalDeadline: atx.Now.Add(s.ApprovalTTL),
		}
		if requestKey != "" {
			k := requestKey
			r.RequestKey = &k
		}
		if err := tx.Create(r).Error; err != nil {
			return fmt.Errorf("create redemption: %w", err)
		}
		r.RewardItem = &item
		out = r
		return nil
	})
	if err != nil && requestKey != "" && isDuplicateKey(err) {
		var prior models.Redemption
		if lookupErr := s.DB.WithContext(ctx).Preload("RewardItem").Where("request_key = ? AND account_id = ?", requestKey, accountID).First(&prior).Error; lookupErr == nil {
			return &prior, nil
		}
	}
	if err != nil {
		return nil, err
	}
	s.Log.Info("redemption placed", "id", out.ID, "student_id", accountID, "points", out.PointsSpent)
	return out, nil
}

// transition locks the owning account, reloads the redemption and hands it to
// fn. fn's changes to r are saved.
func (s *RewardService) transition(ctx context.Context, redemptionID string, fn func(atx *AccountTx, r *models.Redemption) error) (*models.Redemption, error) {
	var head models.Redemption
	if err := s.DB.WithContext(ctx).Select("id", "account_id").Where("id = ?", redemptionID).First(&head).Error; err != nil {
		return nil, notFound(err)
	}

	var out models.Redemption
	err := s.Ledger.WithAccount(ctx, head.AccountID, func(atx *AccountTx) error {
		var r models.Redemption
		if err := atx.Tx.Where("id = ?", redemptionID).First(&r).Error; err != nil {
			return notFound(err)
		}
		if err := fn(atx, &r); err != nil {
			return err
		}
		if err := atx.Tx.Save(&r).Error; err != nil {
			return fmt.Errorf("save redemption: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// verifySpend checks the spend entry a redemption points at.
func verifySpend(tx *gorm.DB, r *models.Redemption) error {
	var e models.LedgerEntry
	if err := tx.Where("id = ?", r.SpendEntryID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: redemption %s spend entry missing", ErrLedgerInconsistent, r.ID)
		}
		return err
	}
	if e.AccountID != r.AccountID || e.Kind != models.EntrySpend || e.Amount != -r.PointsSpent ||
		e.IdempotencyKey == nil || *e.IdempotencyKey != RedemptionSpendKey(r.ID) {
		return fmt.Errorf("%w: redemption %s does not match its spend entry", ErrLedgerInconsistent, r.ID)
	}
	return nil
}

// Approve moves pending to approved before the approval deadline. Approving
// an approved redemption again returns it unchanged.
func (s *RewardService) Approve(ctx context.Context, redemptionID string) (*models.Redemption, error) {
	return s.transition(ctx, redemptionID, func(atx *AccountTx, r *models.Redemption) error {
		switch r.Status {
		case models.RedemptionApproved:
			return nil
		case models.RedemptionPending:
		default:
			return fmt.Errorf("%w: %s -> approved", ErrInvalidStateTransition, r.Status)
		}
		if atx.Now.After(r.ApprovalDeadline) {
			return ErrApprovalExpired
		}
		if err := verifySpend(atx.Tx, r); err != nil {
			s.Log.Error("redemption spend mismatch", "id", r.ID, "error", err)
			return err
		}
		now := atx.Now
		r.Status = models.RedemptionApproved
		r.ApprovedAt = &now
		return nil
	})
}

// Fulfill moves approved to fulfilled. Fulfilling twice returns it unchanged.
func (s *RewardService) Fulfill(ctx context.Context, redemptionID string) (*models.Redemption, error) {
	return s.transition(ctx, redemptionID, func(atx *AccountTx, r *models.Redemption) error {
		switch r.Status {
		case models.RedemptionFulfilled:
			return nil
		case models.RedemptionApproved:
		default:
			return fmt.Errorf("%w: %s -> fulfilled", ErrInvalidStateTransition, r.Status)
		}
		if err := verifySpend(atx.Tx, r); err != nil {
			s.Log.Error("redemption spend mismatch", "id", r.ID, "error", err)
			return err
		}
		now := atx.Now
		r.Status = models.RedemptionFulfilled
		r.FulfilledAt = &now
		return nil
	})
}

// Cancel refunds the points and returns reserved stock. A cancelled
// redemption is returned as is.
func (s *RewardService) Cancel(ctx context.Context, redemptionID, reason string) (*models.Redemption, error) {
	return s.transition(ctx, redemptionID, func(atx *AccountTx, r *models.Redemption) error {
		switch r.Status {
		case models.RedemptionCancelled:
			return nil
		case models.RedemptionPending, models.RedemptionApproved:
		default:
			return fmt.Errorf("%w: %s -> cancelled", ErrInvalidStateTransition, r.Status)
		}

		post, err := s.Ledger.Post(atx, PostRequest{
			Kind:           models.EntryRefund,
			Amount:         r.PointsSpent,
			Source:         "refund",
			IdempotencyKey: RedemptionRefundKey(r.ID),
			Metadata:       map[string]interface{}{"redemption_id": r.ID, "reason": reason},
		})
		if err != nil {
			return err
		}
		if r.StockReserved {
			if err := atx.Tx.Model(&models.RewardCatalogItem{}).
				Where("id = ? AND stock IS NOT NULL", r.RewardItemID).
				Update("stock", gorm.Expr("stock + ?", r.Quantity)).Error; err != nil {
				return fmt.Errorf("restore stock: %w", err)
			}
			r.StockReserved = false
		}

		now := atx.Now
		refundID := post.Entry.ID
		r.Status = models.RedemptionCancelled
		r.CancelledAt = &now
		r.CancelReason = reason
		r.RefundEntryID = &refundID
		return nil
	})
}

func (s *RewardService) GetRedemption(ctx context.Context, redemptionID string) (*models.Redemption, error) {
	var r models.Redemption
	if err := s.DB.WithContext(ctx).Preload("RewardItem").Where("id = ?", redemptionID).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// ListRedemptions returns redemptions newest first. An empty accountID lists
// every student's, an empty status every status.
func (s *RewardService) ListRedemptions(ctx context.Context, accountID string, status models.RedemptionStatus) ([]models.Redemption, error) {
	q := s.DB.WithContext(ctx).Preload("RewardItem")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Redemption
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// ExpirePending cancels pending redemptions whose approval deadline passed.
func (s *RewardService) ExpirePending(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	if err := s.DB.WithContext(ctx).Model(&models.Redemption{}).
		Where("status = ? AND approval_deadline < ?", models.RedemptionPending, now).
		Order("approval_deadline ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if _, err := s.Cancel(ctx, id, "approval expired"); err != nil {
			s.Log.Warn("expire redemption failed", "id", id, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.Log.Info("pending redemptions expired", "count", expired)
	}
	return expired, nil
}

// ListUndispatched returns approved redemptions not yet handed to fulfilment.
func (s *RewardService) ListUndispatched(ctx context.Context, limit int) ([]models.Redemption, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Redemption
	err := s.DB.WithContext(ctx).Preload("RewardItem").
		Where("status = ? AND dispatched_at IS NULL", models.RedemptionApproved).
		Order("approved_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkDispatched stamps dispatched_at once.
func (s *RewardService) MarkDispatched(ctx context.Context, redemptionID string, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.Redemption{}).
		Where("id = ? AND dispatched_at IS NULL", redemptionID).
		Update("dispatched_at", at).Error
}
