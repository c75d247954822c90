package services

import (
	"context"
	"testing"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"
)

func seedNotification(t *testing.T, env *testEnv, id, account string, at time.Time) {
	t.Helper()
	n := models.Notification{ID: id, AccountID: account, Type: models.NotifyLevelUp, Title: "Level Up", CreatedAt: at}
	if err := env.DB.Create(&n).Error; err != nil {
		t.Fatalf("seed notification %s: %v", id, err)
	}
}

func TestNotifications_ListAfterSplitsSameTimestamp(t *testing.T) {
	env := newTestEnv(t)
	svc := NewNotificationService(env.DB, logger.Nop())
	ctx := context.Background()
	at := env.Clock.Now()
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		seedNotification(t, env, id, "s1", at)
	}
	seedNotification(t, env, "other", "s2", at)

	var got []string
	cur := NotificationCursor{CreatedAt: at.Add(-time.Second)}
	for i := 0; i < 5; i++ {
		page, err := svc.ListAfter(ctx, "s1", cur, 2)
		if err != nil {
			t.Fatalf("list after: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, n := range page {
			got = append(got, n.ID)
		}
		cur = cursorOf(&page[len(page)-1])
	}
	want := []string{"n1", "n2", "n3", "n4", "n5"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNotifications_TailDeliversLateCommits(t *testing.T) {
	env := newTestEnv(t)
	svc := NewNotificationService(env.DB, logger.Nop())
	ctx := context.Background()
	open := env.Clock.Now()

	tail := newNotificationTail(svc, "s1", open)
	tail.pageSize = 2
	at := open.Add(10 * time.Second)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seedNotification(t, env, id, "s1", at)
	}
	rows, err := tail.poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected all 5 rows sharing a timestamp, got %d", len(rows))
	}

	// Committed after the rows above but stamped earlier.
	seedNotification(t, env, "late", "s1", at.Add(-2*time.Second))
	rows, err = tail.poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "late" {
		t.Fatalf("expected only the late row, got %+v", rows)
	}

	rows, err = tail.poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows delivered twice: %+v", rows)
	}

	seedNotification(t, env, "before-open", "s1", open.Add(-time.Minute))
	if rows, _ = tail.poll(ctx); len(rows) != 0 {
		t.Fatalf("rows from before the stream opened must not be sent: %+v", rows)
	}
}
