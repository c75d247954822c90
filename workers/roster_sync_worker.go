// workers/roster_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"
	"rewards-engine/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RosterEntry is one class/school/grade membership as the institution service
// reports it.
type RosterEntry struct {
	StudentID string    `json:"student_id"`
	ScopeType string    `json:"scope_type"`
	ScopeKey  string    `json:"scope_key"`
	Role      string    `json:"role"`
	Grade     string    `json:"grade,omitempty"`
	Removed   bool      `json:"removed,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetRosterChangesResponse is the top-level structure of the roster response.
type GetRosterChangesResponse struct {
	Memberships []RosterEntry `json:"memberships"`
}

// RosterSyncWorker mirrors scope memberships so leaderboards, badge scopes and
// challenge eligibility can be resolved locally.
type RosterSyncWorker struct {
	db           *gorm.DB
	log          *logger.Logger
	interval     time.Duration
	baseURL      string // e.g. "http://institution:8500"
	endpointPath string // e.g. "/api/v1/public/memberships"
	serviceToken string
	httpClient   *http.Client
}

func NewRosterSyncWorker(db *gorm.DB, log *logger.Logger, baseURL, serviceToken string, interval time.Duration) *RosterSyncWorker {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RosterSyncWorker{
		db:           db,
		log:          log.With("worker", "roster_sync"),
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: "/api/v1/public/memberships",
		serviceToken: serviceToken,
		httpClient:   utils.HTTPClient,
	}
}

func (w *RosterSyncWorker) Start(ctx context.Context) {
	w.log.Info("starting roster sync", "base_url", w.baseURL, "interval", w.interval)
	go w.run(ctx)
}

func (w *RosterSyncWorker) run(ctx context.Context) {
	if err := w.SyncOnce(ctx); err != nil {
		w.log.Warn("initial roster sync failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.SyncOnce(ctx); err != nil {
				w.log.Error("roster sync failed", "error", err)
			}
		case <-ctx.Done():
			w.log.Info("roster sync stopped")
			return
		}
	}
}

// lastSyncTime is the newest updated_at among local memberships.
func (w *RosterSyncWorker) lastSyncTime(ctx context.Context) time.Time {
	var latest models.ScopeMembership
	err := w.db.WithContext(ctx).Order("updated_at DESC").Limit(1).Find(&latest).Error
	if err != nil || latest.UpdatedAt.IsZero() {
		return time.Unix(0, 0)
	}
	return latest.UpdatedAt
}

// SyncOnce fetches changes since the last mirrored update and applies them.
func (w *RosterSyncWorker) SyncOnce(ctx context.Context) error {
	since := w.lastSyncTime(ctx).UTC().Format(time.RFC3339)

	base, err := url.Parse(w.baseURL)
	if err != nil {
		return fmt.Errorf("invalid roster URL %q: %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since)
	endpointURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("roster request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("roster service returned %d: %s", resp.StatusCode, string(body))
	}

	var response GetRosterChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("failed to decode roster response: %w", err)
	}
	if len(response.Memberships) == 0 {
		w.log.Debug("no roster changes", "since", since)
		return nil
	}

	applied, failed := ApplyRoster(ctx, w.db, w.log, response.Memberships)
	w.log.Info("roster synced", "received", len(response.Memberships), "applied", applied, "failed", failed)
	return nil
}

// ApplyRoster upserts or removes memberships one by one. Scope keys are
// normalized the same way leaderboard and challenge scopes are.
func ApplyRoster(ctx context.Context, db *gorm.DB, log *logger.Logger, entries []RosterEntry) (applied, failed int) {
	for _, e := range entries {
		m := models.ScopeMembership{
			AccountID: strings.TrimSpace(e.StudentID),
			ScopeType: strings.ToLower(strings.TrimSpace(e.ScopeType)),
			ScopeKey:  utils.NormalizeScopeKey(e.ScopeKey),
			Role:      strings.ToLower(strings.TrimSpace(e.Role)),
			Grade:     strings.TrimSpace(e.Grade),
		}
		if m.AccountID == "" || m.ScopeType == "" || m.ScopeKey == "" || m.ScopeType == models.ScopeGlobal {
			failed++
			log.Warn("roster entry skipped", "student_id", e.StudentID, "scope_type", e.ScopeType, "scope_key", e.ScopeKey)
			continue
		}
		if m.Role == "" {
			m.Role = "student"
		}

		var err error
		if e.Removed {
			err = db.WithContext(ctx).
				Where("account_id = ? AND scope_type = ? AND scope_key = ?", m.AccountID, m.ScopeType, m.ScopeKey).
				Delete(&models.ScopeMembership{}).Error
		} else {
			if !e.UpdatedAt.IsZero() {
				m.UpdatedAt = e.UpdatedAt.UTC()
			}
			err = db.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account_id"}, {Name: "scope_type"}, {Name: "scope_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"role", "grade", "updated_at"}),
			}).Create(&m).Error
		}
		if err != nil {
			failed++
			log.Warn("roster entry failed", "student_id", m.AccountID, "scope", m.ScopeType+":"+m.ScopeKey, "error", err)
			continue
		}
		applied++
	}
	return applied, failed
}
