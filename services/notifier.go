package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
)

// Notifier pushes events to the notification dispatcher. Outbox rows are
// already committed by the time Notify runs, so delivery failures only delay.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// NewNotification builds an outbox row. The payload is marshalled as JSON.
// CreatedAt is the wall clock until AccountTx.Emit stamps the transaction time.
func NewNotification(accountID string, typ models.NotificationType, title, message string, payload map[string]interface{}) *models.Notification {
	n := &models.Notification{
		AccountID: accountID,
		Type:      typ,
		Title:     cases.Title(language.English).String(title),
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if len(payload) > 0 {
		if raw, err := json.Marshal(payload); err == nil {
			n.Payload = datatypes.JSON(raw)
		}
	}
	return n
}

// RedisNotifier publishes notifications on a pub/sub channel.
type RedisNotifier struct {
	rdb     *goredis.Client
	channel string
}

func NewRedisNotifier(ctx context.Context, addr, channel string) (*RedisNotifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisNotifier{rdb: rdb, channel: channel}, nil
}

func (r *RedisNotifier) Notify(ctx context.Context, n *models.Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

func (r *RedisNotifier) Close() error {
	return r.rdb.Close()
}

// LogNotifier only logs. It is the fallback when no broker is configured.
type LogNotifier struct {
	Log *logger.Logger
}

func (l LogNotifier) Notify(_ context.Context, n *models.Notification) error {
	l.Log.Info("notification", "type", n.Type, "student_id", n.AccountID, "title", n.Title)
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n *models.Notification) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
