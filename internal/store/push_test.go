package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dukerupert/ridealong/internal/database"
)

const (
	riderA = "rider-aaaa-0001"
	riderB = "rider-bbbb-0002"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateSubscription(t *testing.T) {
	ps := NewPushStore(setupTestDB(t))

	sub, err := ps.CreateSubscription(context.Background(), riderA, "https://push.example.com/sub1", "p256dh_key1", "auth_key1", "Chrome Desktop")
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if sub.UserID != riderA {
		t.Errorf("user_id = %q, want %q", sub.UserID, riderA)
	}
	if sub.DeviceName != "Chrome Desktop" {
		t.Errorf("device_name = %q, want %q", sub.DeviceName, "Chrome Desktop")
	}
}

func TestCreateSubscriptionUpsert(t *testing.T) {
	ps := NewPushStore(setupTestDB(t))
	ctx := context.Background()

	sub1, _ := ps.CreateSubscription(ctx, riderA, "https://push.example.com/sub1", "key1", "auth1", "Device A")
	sub2, err := ps.CreateSubscription(ctx, riderB, "https://push.example.com/sub1", "key2", "auth2", "Device B")
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}

	if sub2.ID != sub1.ID {
		t.Errorf("expected same ID on upsert, got %d != %d", sub2.ID, sub1.ID)
	}
	if sub2.P256dhKey != "key2" || sub2.UserID != riderB {
		t.Errorf("upserted = %+v", sub2)
	}

	subs, _ := ps.ListByUser(ctx, riderA)
	if len(subs) != 0 {
		t.Errorf("endpoint still listed for previous owner: %d", len(subs))
	}
}

func TestListAndDeleteSubscriptions(t *testing.T) {
	ps := NewPushStore(setupTestDB(t))
	ctx := context.Background()

	a1, _ := ps.CreateSubscription(ctx, riderA, "https://push.example.com/a1", "k", "a", "")
	ps.CreateSubscription(ctx, riderA, "https://push.example.com/a2", "k", "a", "")
	ps.CreateSubscription(ctx, riderB, "https://push.example.com/b1", "k", "a", "")

	subs, err := ps.ListByUser(ctx, riderA)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("subs = %d, want 2", len(subs))
	}

	// Another identity cannot delete the subscription.
	if err := ps.DeleteSubscription(ctx, a1.ID, riderB); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := ps.GetByID(ctx, a1.ID, riderA); got == nil {
		t.Fatal("subscription deleted by another identity")
	}

	if err := ps.DeleteSubscription(ctx, a1.ID, riderA); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := ps.GetByID(ctx, a1.ID, riderA); got != nil {
		t.Error("subscription still present after delete")
	}

	if err := ps.DeleteByEndpoint(ctx, "https://push.example.com/b1"); err != nil {
		t.Fatalf("delete by endpoint: %v", err)
	}
	if subs, _ := ps.ListByUser(ctx, riderB); len(subs) != 0 {
		t.Errorf("riderB subs = %d, want 0", len(subs))
	}
}

func TestPermission(t *testing.T) {
	ps := NewPushStore(setupTestDB(t))
	ctx := context.Background()

	status, err := ps.GetPermission(ctx, riderA)
	if err != nil || status != "" {
		t.Fatalf("unset permission = %q, %v", status, err)
	}

	if err := ps.SetPermission(ctx, riderA, "granted"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := ps.SetPermission(ctx, riderA, "denied"); err != nil {
		t.Fatalf("set again: %v", err)
	}
	if status, _ := ps.GetPermission(ctx, riderA); status != "denied" {
		t.Errorf("status = %q, want denied", status)
	}
	if status, _ := ps.GetPermission(ctx, riderB); status != "" {
		t.Errorf("riderB status = %q, want empty", status)
	}

	if err := ps.SetPermission(ctx, riderA, "unsupported"); err == nil {
		t.Error("expected check constraint to reject unsupported")
	}
}
