package eventlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func participationServer(t *testing.T, answer func(call int64) Participation) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(answer(n))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestWaitForParticipationSeatGranted(t *testing.T) {
	srv, calls := participationServer(t, func(call int64) Participation {
		if call < 3 {
			return Participation{PaymentPending: true}
		}
		return Participation{IsParticipant: true}
	})
	c := New(srv.URL)
	c.DevUserID = "alice"

	st, ok, err := c.WaitForParticipation(context.Background(), "ev-1", time.Millisecond, 12)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !ok || !st.IsParticipant {
		t.Fatalf("expected seat, got ok=%v st=%+v", ok, st)
	}
	if got := atomic.LoadInt64(calls); got != 3 {
		t.Fatalf("polled %d times, want 3", got)
	}
}

func TestWaitForParticipationExhaustionIsPendingNotFailure(t *testing.T) {
	srv, calls := participationServer(t, func(int64) Participation {
		return Participation{PaymentPending: true}
	})
	c := New(srv.URL)
	c.DevUserID = "alice"

	st, ok, err := c.WaitForParticipation(context.Background(), "ev-1", time.Millisecond, 5)
	if err != nil {
		t.Fatalf("exhaustion must not be an error: %v", err)
	}
	if ok {
		t.Fatalf("expected no seat yet")
	}
	if !st.PaymentPending {
		t.Fatalf("last state should still say pending: %+v", st)
	}
	if got := atomic.LoadInt64(calls); got != 5 {
		t.Fatalf("polled %d times, want the full 5 attempts", got)
	}
}

func TestWaitForParticipationStopsOnRefund(t *testing.T) {
	srv, calls := participationServer(t, func(call int64) Participation {
		if call == 1 {
			return Participation{PaymentPending: true}
		}
		return Participation{RefundDue: true}
	})
	c := New(srv.URL)
	c.DevUserID = "alice"

	st, ok, err := c.WaitForParticipation(context.Background(), "ev-1", time.Millisecond, 12)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ok || !st.RefundDue {
		t.Fatalf("expected refund_due stop, got ok=%v st=%+v", ok, st)
	}
	if got := atomic.LoadInt64(calls); got != 2 {
		t.Fatalf("polled %d times, want 2", got)
	}
}

func TestWaitForParticipationHonorsContext(t *testing.T) {
	srv, _ := participationServer(t, func(int64) Participation {
		return Participation{PaymentPending: true}
	})
	c := New(srv.URL)
	c.DevUserID = "alice"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := c.WaitForParticipation(ctx, "ev-1", time.Minute, 12)
	if err == nil || ok {
		t.Fatalf("expected context error, got ok=%v err=%v", ok, err)
	}
}
