package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"eventline/internal/config"
	"eventline/internal/db"
	"eventline/internal/engine"
	"eventline/internal/migrate"
	"eventline/internal/payment"
)

type stubProvider struct{}

func (stubProvider) CreateCharge(_ context.Context, in payment.ChargeInput) (payment.Charge, error) {
	return payment.Charge{Token: "tok-" + in.OrderID}, nil
}

func (stubProvider) VerifySignature(n payment.Notification) error {
	if n.SignatureKey != "test-signature" {
		return fmt.Errorf("invalid notification signature for order %s", n.OrderID)
	}
	return nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), stubProvider{})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowDevHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func createEvent(t *testing.T, srv *testServer, host string, capacity int, price float64) EventResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"title":            "Meetup",
		"date":             time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"max_participants": capacity,
		"price":            price,
	}, asUser(host))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create event status %d: %s", res.StatusCode, string(data))
	}
	var ev EventResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", res.StatusCode)
	}
}

func TestFreeJoinLeaveFlow(t *testing.T) {
	srv := newTestServer(t)
	ev := createEvent(t, srv, "host", 2, 0)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/"+ev.ID+"/join", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("join status %d: %s", res.StatusCode, string(data))
	}
	var joined JoinResponse
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("unmarshal join: %v", err)
	}
	if joined.Status != "joined" || joined.Participant == nil {
		t.Fatalf("expected immediate join, got %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events/"+ev.ID+"/check-participation", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}
	var st ParticipationResponse
	_ = json.Unmarshal(data, &st)
	if !st.IsParticipant {
		t.Fatalf("expected participating: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/events/"+ev.ID+"/leave", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("leave status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/events/"+ev.ID+"/leave", nil, asUser("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second leave: expected 404, got %d", res.StatusCode)
	}
}

func TestJoinErrorCodes(t *testing.T) {
	srv := newTestServer(t)
	ev := createEvent(t, srv, "host", 1, 0)

	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/"+ev.ID+"/join", nil, asUser("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("first join: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/"+ev.ID+"/join", nil, asUser("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate join: expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "already_joined" {
		t.Fatalf("duplicate join code = %q: %s", envelope.Error.Code, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/"+ev.ID+"/join", nil, asUser("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("full join: expected 409, got %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "event_full" {
		t.Fatalf("full join code = %q: %s", envelope.Error.Code, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/no-such-event/join", nil, asUser("bob"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing event: expected 404, got %d", res.StatusCode)
	}
}

func TestPaidJoinSettlesThroughWebhook(t *testing.T) {
	srv := newTestServer(t)
	ev := createEvent(t, srv, "host", 2, 50)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/"+ev.ID+"/join", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("join status %d: %s", res.StatusCode, string(data))
	}
	var joined JoinResponse
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("unmarshal join: %v", err)
	}
	if joined.Status != "payment_required" || joined.Payment == nil {
		t.Fatalf("expected payment_required, got %s", string(data))
	}

	// The webhook endpoint is open but signature-checked.
	notif := map[string]any{
		"order_id":           joined.Payment.IntentID,
		"status_code":        "200",
		"gross_amount":       "50.00",
		"transaction_status": "settlement",
		"signature_key":      "wrong",
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/payments/webhook", notif, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("bad signature: expected 403, got %d %s", res.StatusCode, string(data))
	}

	notif["signature_key"] = "test-signature"
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/payments/webhook", notif, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var outcome map[string]string
	_ = json.Unmarshal(data, &outcome)
	if outcome["outcome"] != "admitted" {
		t.Fatalf("webhook outcome = %q: %s", outcome["outcome"], string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events/"+ev.ID+"/check-participation", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}
	var st ParticipationResponse
	_ = json.Unmarshal(data, &st)
	if !st.IsParticipant {
		t.Fatalf("expected seat after settlement: %s", string(data))
	}

	// Replay is acknowledged without a second seat.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/payments/webhook", notif, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &outcome)
	if outcome["outcome"] != "duplicate" {
		t.Fatalf("replay outcome = %q", outcome["outcome"])
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events/"+ev.ID, nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get event: %d", res.StatusCode)
	}
	var got EventResponse
	_ = json.Unmarshal(data, &got)
	if got.CurrentCount != 1 {
		t.Fatalf("count after replay = %d, want 1", got.CurrentCount)
	}
}

func TestRefundsDueSurfaced(t *testing.T) {
	srv := newTestServer(t)
	ev := createEvent(t, srv, "host", 1, 50)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/"+ev.ID+"/join", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("join: %d %s", res.StatusCode, string(data))
	}
	var joined JoinResponse
	_ = json.Unmarshal(data, &joined)

	// Bob grabs the last seat before alice's payment settles.
	if _, err := srv.Engine.TryAdmit(context.Background(), ev.ID, "bob"); err != nil {
		t.Fatalf("admit bob: %v", err)
	}

	notif := map[string]any{
		"order_id":           joined.Payment.IntentID,
		"status_code":        "200",
		"gross_amount":       "50.00",
		"transaction_status": "settlement",
		"signature_key":      "test-signature",
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/payments/webhook", notif, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook: %d %s", res.StatusCode, string(data))
	}
	var outcome map[string]string
	_ = json.Unmarshal(data, &outcome)
	if outcome["outcome"] != "refund_due" {
		t.Fatalf("outcome = %q, want refund_due", outcome["outcome"])
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/payments/refunds-due", nil, asUser("host"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refunds-due: %d %s", res.StatusCode, string(data))
	}
	var due []IntentResponse
	_ = json.Unmarshal(data, &due)
	if len(due) != 1 || due[0].UserID != "alice" {
		t.Fatalf("refunds due = %s", string(data))
	}
}
