package profile

import (
	"context"
	"testing"

	"github.com/codebridger/subturtle-core/internal/storage"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logx.Nop())
}

func TestTimeZoneRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	// Unknown user reads as unset, not as an error.
	tz, err := svc.TimeZone(ctx, "u1")
	if err != nil || tz != "" {
		t.Fatalf("tz=%q err=%v", tz, err)
	}

	if err := svc.SetTimeZone(ctx, "u1", "Asia/Tehran"); err != nil {
		t.Fatalf("set: %v", err)
	}
	tz, err = svc.TimeZone(ctx, "u1")
	if err != nil || tz != "Asia/Tehran" {
		t.Fatalf("tz=%q err=%v", tz, err)
	}

	// Clearing is allowed; empty means host local downstream.
	if err := svc.SetTimeZone(ctx, "u1", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	tz, _ = svc.TimeZone(ctx, "u1")
	if tz != "" {
		t.Fatalf("tz = %q after clear", tz)
	}
}

func TestSetTimeZoneValidates(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)

	if err := svc.SetTimeZone(context.Background(), "u1", "Mars/Olympus"); err == nil {
		t.Fatal("bad zone accepted")
	}
	if err := svc.SetTimeZone(context.Background(), "", "UTC"); err == nil {
		t.Fatal("empty user accepted")
	}
}

func TestSetTimeZoneInvokesResync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	var resynced []string
	svc.SetResyncHook(func(_ context.Context, userID string) error {
		resynced = append(resynced, userID)
		return nil
	})

	if err := svc.SetTimeZone(ctx, "u1", "Europe/Berlin"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(resynced) != 1 || resynced[0] != "u1" {
		t.Fatalf("resynced = %v", resynced)
	}
}
