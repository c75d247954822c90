// workers/fulfillment_dispatcher.go
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"
	"rewards-engine/services"
	"rewards-engine/utils"
)

// FulfillmentRequest is the body posted for each approved redemption.
type FulfillmentRequest struct {
	RedemptionID string    `json:"redemption_id"`
	StudentID    string    `json:"student_id"`
	ItemID       string    `json:"item_id"`
	ItemSlug     string    `json:"item_slug,omitempty"`
	ItemTitle    string    `json:"item_title,omitempty"`
	Quantity     int64     `json:"quantity"`
	PointsSpent  int64     `json:"points_spent"`
	ApprovedAt   time.Time `json:"approved_at"`
}

// FulfillmentDispatcher hands approved redemptions to the external
// fulfilment service. A redemption is marked dispatched only after a 2xx.
type FulfillmentDispatcher struct {
	rewards      *services.RewardService
	log          *logger.Logger
	url          string
	serviceToken string
	interval     time.Duration
	httpClient   *http.Client
}

func NewFulfillmentDispatcher(rewards *services.RewardService, log *logger.Logger, url, serviceToken string, interval time.Duration) *FulfillmentDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FulfillmentDispatcher{
		rewards:      rewards,
		log:          log.With("worker", "fulfillment"),
		url:          url,
		serviceToken: serviceToken,
		interval:     interval,
		httpClient:   utils.HTTPClient,
	}
}

func (d *FulfillmentDispatcher) Start(ctx context.Context) {
	d.log.Info("starting fulfillment dispatcher", "url", d.url, "interval", d.interval)
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := d.DispatchOnce(ctx); err != nil {
					d.log.Error("fulfillment dispatch failed", "error", err)
				}
			case <-ctx.Done():
				d.log.Info("fulfillment dispatcher stopped")
				return
			}
		}
	}()
}

// DispatchOnce sends one batch and returns how many were accepted.
func (d *FulfillmentDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.rewards.ListUndispatched(ctx, 50)
	if err != nil {
		return 0, err
	}
	sent := 0
	for i := range pending {
		r := &pending[i]
		if err := d.send(ctx, r); err != nil {
			d.log.Warn("fulfillment request failed", "redemption_id", r.ID, "error", err)
			continue
		}
		if err := d.rewards.MarkDispatched(ctx, r.ID, time.Now().UTC()); err != nil {
			d.log.Error("mark dispatched failed", "redemption_id", r.ID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		d.log.Info("redemptions dispatched", "count", sent, "batch", len(pending))
	}
	return sent, nil
}

func (d *FulfillmentDispatcher) send(ctx context.Context, r *models.Redemption) error {
	body := FulfillmentRequest{
		RedemptionID: r.ID,
		StudentID:    r.AccountID,
		ItemID:       r.RewardItemID,
		Quantity:     r.Quantity,
		PointsSpent:  r.PointsSpent,
	}
	if r.ApprovedAt != nil {
		body.ApprovedAt = *r.ApprovedAt
	}
	if r.RewardItem != nil {
		body.ItemSlug = r.RewardItem.Slug
		body.ItemTitle = r.RewardItem.Title
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", d.serviceToken)
	req.Header.Set("Idempotency-Key", r.ID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fulfillment service returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
