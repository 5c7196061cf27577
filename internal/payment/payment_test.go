package payment

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"testing"
)

func TestNotificationOutcome(t *testing.T) {
	cases := []struct {
		status string
		fraud  string
		want   string
	}{
		{"settlement", "", OutcomePaid},
		{"capture", "accept", OutcomePaid},
		{"capture", "challenge", OutcomePending},
		{"deny", "", OutcomeFailed},
		{"cancel", "", OutcomeFailed},
		{"expire", "", OutcomeFailed},
		{"failure", "", OutcomeFailed},
		{"pending", "", OutcomePending},
		{"", "", OutcomePending},
	}
	for _, tc := range cases {
		n := Notification{TransactionStatus: tc.status, FraudStatus: tc.fraud}
		if got := n.Outcome(); got != tc.want {
			t.Errorf("status=%q fraud=%q: got %s, want %s", tc.status, tc.fraud, got, tc.want)
		}
	}
}

func TestMidtransRejectsFractionalAmount(t *testing.T) {
	m := NewMidtrans("server-key", false)
	_, err := m.CreateCharge(context.Background(), ChargeInput{
		OrderID: "order-1",
		Amount:  49.99,
	})
	if err == nil {
		t.Fatalf("fractional amount accepted")
	}
	if !strings.Contains(err.Error(), "whole number") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMidtransVerifySignature(t *testing.T) {
	m := NewMidtrans("server-key", false)
	n := Notification{
		OrderID:     "order-1",
		StatusCode:  "200",
		GrossAmount: "50000.00",
	}
	sum := sha512.Sum512([]byte("order-1" + "200" + "50000.00" + "server-key"))
	n.SignatureKey = hex.EncodeToString(sum[:])
	if err := m.VerifySignature(n); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	n.SignatureKey = "tampered"
	if err := m.VerifySignature(n); err == nil {
		t.Fatalf("tampered signature accepted")
	}
}
