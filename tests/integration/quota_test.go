//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/quotaline/quotaline/internal/quota"
)

func TestConsumeFlow(t *testing.T) {
	env := SetupTestEnv(t)
	CreateAccount(t, env, "it-consume", 100)

	resp := DoRequest(t, env, "POST", "/v1/accounts/it-consume/consume", map[string]any{
		"amount":          30,
		"idempotency_key": "it-k1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("consume failed: status %d", resp.StatusCode)
	}
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	if data["remaining_after"].(float64) != 70 {
		t.Fatalf("expected remaining 70, got %v", data["remaining_after"])
	}

	// Replay with the same key must not deduct again.
	resp = DoRequest(t, env, "POST", "/v1/accounts/it-consume/consume", map[string]any{
		"amount":          30,
		"idempotency_key": "it-k1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay failed: status %d", resp.StatusCode)
	}
	result = ParseResponse(t, resp)
	if !result["data"].(map[string]any)["skipped"].(bool) {
		t.Fatal("expected replay to be skipped")
	}

	acct, err := env.Store.ReadAccount(context.Background(), "it-consume")
	if err != nil {
		t.Fatalf("reading account: %v", err)
	}
	if acct.Remaining != 70 {
		t.Fatalf("expected remaining 70 after replay, got %d", acct.Remaining)
	}
}

func TestConsumeInsufficientQuota(t *testing.T) {
	env := SetupTestEnv(t)
	CreateAccount(t, env, "it-poor", 5)

	resp := DoRequest(t, env, "POST", "/v1/accounts/it-poor/consume", map[string]any{
		"amount":          10,
		"idempotency_key": "it-poor-k1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	env := SetupTestEnv(t)
	CreateAccount(t, env, "it-race", 100)
	ctx := context.Background()

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.Consume(ctx, "it-race", 10, fmt.Sprintf("it-race-%d", i), nil)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !quota.IsInsufficientQuota(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected exactly 10 successes, got %d", succeeded)
	}
	acct, err := env.Store.ReadAccount(ctx, "it-race")
	if err != nil {
		t.Fatalf("reading account: %v", err)
	}
	if acct.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", acct.Remaining)
	}
}

func TestRollbackFlow(t *testing.T) {
	env := SetupTestEnv(t)
	CreateAccount(t, env, "it-rollback", 100)

	resp := DoRequest(t, env, "POST", "/v1/accounts/it-rollback/consume", map[string]any{
		"amount":          40,
		"idempotency_key": "it-rb-consume",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("consume failed: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Over-restore attempt: only what was consumed comes back.
	resp = DoRequest(t, env, "POST", "/v1/accounts/it-rollback/rollback", map[string]any{
		"amount":          60,
		"idempotency_key": "it-rb-1",
		"reason":          "delivery failed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback failed: status %d", resp.StatusCode)
	}
	result := ParseResponse(t, resp)
	if restored := result["data"].(map[string]any)["restored"].(float64); restored != 40 {
		t.Fatalf("expected restored 40, got %v", restored)
	}

	acct, err := env.Store.ReadAccount(context.Background(), "it-rollback")
	if err != nil {
		t.Fatalf("reading account: %v", err)
	}
	if acct.Remaining != 100 || acct.Used != 0 {
		t.Fatalf("expected full restore, got remaining=%d used=%d", acct.Remaining, acct.Used)
	}
}

func TestReservationFlow(t *testing.T) {
	env := SetupTestEnv(t)
	CreateAccount(t, env, "it-reserve", 100)

	resp := DoRequest(t, env, "POST", "/v1/accounts/it-reserve/reservations", map[string]any{
		"amount":         40,
		"reference_type": "message",
		"reference_id":   "msg-42",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reserve failed: status %d", resp.StatusCode)
	}
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	key := data["reservation_key"].(string)
	if data["effective_remaining"].(float64) != 60 {
		t.Fatalf("expected effective remaining 60, got %v", data["effective_remaining"])
	}

	// The hold counts against the snapshot but not the account row.
	resp = DoRequest(t, env, "GET", "/v1/accounts/it-reserve/snapshot", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot failed: status %d", resp.StatusCode)
	}
	snap := ParseResponse(t, resp)["data"].(map[string]any)
	if snap["remaining"].(float64) != 100 || snap["effective_remaining"].(float64) != 60 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	resp = DoRequest(t, env, "POST", "/v1/reservations/"+key+"/confirm", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm failed: status %d", resp.StatusCode)
	}
	confirm := ParseResponse(t, resp)["data"].(map[string]any)
	if confirm["remaining_after"].(float64) != 60 {
		t.Fatalf("expected remaining 60 after confirm, got %v", confirm["remaining_after"])
	}

	// Second confirm succeeds without a second deduction.
	resp = DoRequest(t, env, "POST", "/v1/reservations/"+key+"/confirm", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm replay failed: status %d", resp.StatusCode)
	}
	confirm = ParseResponse(t, resp)["data"].(map[string]any)
	if confirm["applied"].(bool) {
		t.Fatal("expected replayed confirm to report applied=false")
	}

	acct, err := env.Store.ReadAccount(context.Background(), "it-reserve")
	if err != nil {
		t.Fatalf("reading account: %v", err)
	}
	if acct.Remaining != 60 || acct.Used != 40 {
		t.Fatalf("expected remaining=60 used=40, got remaining=%d used=%d", acct.Remaining, acct.Used)
	}
}

func TestCancelReleasesHold(t *testing.T) {
	env := SetupTestEnv(t)
	CreateAccount(t, env, "it-cancel", 50)
	ctx := context.Background()

	reserved, err := env.Manager.Reserve(ctx, "it-cancel", 50, "message", "msg-1")
	if err != nil {
		t.Fatalf("reserving: %v", err)
	}

	if _, err := env.Manager.Reserve(ctx, "it-cancel", 10, "message", "msg-2"); !quota.IsInsufficientQuota(err) {
		t.Fatalf("expected insufficient quota while hold is pending, got %v", err)
	}

	resp := DoRequest(t, env, "POST", "/v1/reservations/"+reserved.ReservationKey+"/cancel", map[string]any{
		"reason": "caller bailed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel failed: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	if _, err := env.Manager.Reserve(ctx, "it-cancel", 10, "message", "msg-3"); err != nil {
		t.Fatalf("expected reserve to succeed after cancel, got %v", err)
	}
}
