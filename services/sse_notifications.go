package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const (
	streamPageSize   = 100
	// Rows are stamped with the transaction time, so a row may commit after
	// later-stamped rows were already streamed. The stream re-reads this much
	// history on every poll.
	streamLateWindow = 30 * time.Second
)

// NotificationService reads the notification outbox.
type NotificationService struct {
	DB           *gorm.DB
	Log          *logger.Logger
	PollInterval time.Duration
}

func NewNotificationService(db *gorm.DB, log *logger.Logger) *NotificationService {
	if log == nil {
		log = logger.Nop()
	}
	return &NotificationService{DB: db, Log: log, PollInterval: 2 * time.Second}
}

// NotificationCursor is a position in the (created_at, id) order of the outbox.
type NotificationCursor struct {
	CreatedAt time.Time
	ID        string
}

func cursorOf(n *models.Notification) NotificationCursor {
	return NotificationCursor{CreatedAt: n.CreatedAt, ID: n.ID}
}

func (c NotificationCursor) before(o NotificationCursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// List returns notifications created after since, oldest first.
func (s *NotificationService) List(ctx context.Context, accountID string, since time.Time, limit int) ([]models.Notification, error) {
	var out []models.Notification
	err := s.DB.WithContext(ctx).
		Where("account_id = ? AND created_at > ?", accountID, since.UTC()).
		Order("created_at ASC, id ASC").
		Limit(pageLimit(limit)).
		Find(&out).Error
	return out, err
}

// ListAfter returns notifications strictly after the cursor, oldest first.
// Rows sharing a timestamp are split across pages by id.
func (s *NotificationService) ListAfter(ctx context.Context, accountID string, after NotificationCursor, limit int) ([]models.Notification, error) {
	at := after.CreatedAt.UTC()
	var out []models.Notification
	err := s.DB.WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("created_at > ? OR (created_at = ? AND id > ?)", at, at, after.ID).
		Order("created_at ASC, id ASC").
		Limit(pageLimit(limit)).
		Find(&out).Error
	return out, err
}

// notificationTail follows one student's outbox from a starting time. Each
// poll drains every page after the high-water mark minus the late window and
// drops rows it already delivered.
type notificationTail struct {
	svc       *NotificationService
	accountID string
	floor     time.Time
	window    time.Duration
	pageSize  int

	high NotificationCursor
	sent map[string]time.Time
}

func newNotificationTail(svc *NotificationService, accountID string, from time.Time) *notificationTail {
	return &notificationTail{
		svc:       svc,
		accountID: accountID,
		floor:     from.UTC(),
		window:    streamLateWindow,
		pageSize:  streamPageSize,
		high:      NotificationCursor{CreatedAt: from.UTC()},
		sent:      map[string]time.Time{},
	}
}

func (t *notificationTail) poll(ctx context.Context) ([]models.Notification, error) {
	start := NotificationCursor{CreatedAt: t.floor}
	if lo := t.high.CreatedAt.Add(-t.window); lo.After(start.CreatedAt) {
		start.CreatedAt = lo
	}

	var out []models.Notification
	cur := start
	for {
		rows, err := t.svc.ListAfter(ctx, t.accountID, cur, t.pageSize)
		if err != nil {
			return out, err
		}
		for i := range rows {
			n := rows[i]
			if _, ok := t.sent[n.ID]; ok {
				continue
			}
			t.sent[n.ID] = n.CreatedAt
			out = append(out, n)
			if c := cursorOf(&n); t.high.before(c) {
				t.high = c
			}
		}
		if len(rows) < t.pageSize {
			break
		}
		cur = cursorOf(&rows[len(rows)-1])
	}

	cut := t.high.CreatedAt.Add(-t.window)
	for id, at := range t.sent {
		if at.Before(cut) {
			delete(t.sent, id)
		}
	}
	return out, nil
}

// StreamNotificationsSSE streams new outbox rows for the authenticated user.
func (s *NotificationService) StreamNotificationsSSE(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	interval := s.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	done := c.Context().Done()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Only rows stamped after the stream opened are sent.
		tail := newNotificationTail(s, userID, time.Now())

		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case <-ticker.C:
				rows, err := tail.poll(context.Background())
				if err != nil {
					s.Log.Warn("sse query failed", "student_id", userID, "error", err)
				}
				if len(rows) == 0 {
					// keepalive
					w.WriteString(":\n\n")
				}
				for _, n := range rows {
					payload, _ := json.Marshal(n)
					fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Type, payload)
				}
				if err := w.Flush(); err != nil {
					// client went away
					return
				}
			case <-done:
				return
			}
		}
	})
	return nil
}
