package payment

import "context"

// Provider creates charges with an external payment gateway and verifies
// inbound notifications from it. The engine never talks to the gateway
// SDK directly so tests can swap in a stub.
type Provider interface {
	CreateCharge(ctx context.Context, in ChargeInput) (Charge, error)
	VerifySignature(n Notification) error
}

type ChargeInput struct {
	OrderID     string
	Amount      float64
	Description string
}

// Charge is the gateway's handle for a created transaction. Token is
// handed to the client as the secret it pays with.
type Charge struct {
	Token       string
	RedirectURL string
}

// Notification is the gateway's server-to-server callback payload.
type Notification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status,omitempty"`
}

// Confirmation outcomes.
const (
	OutcomePaid    = "paid"
	OutcomeFailed  = "failed"
	OutcomePending = "pending"
)

// Outcome maps the gateway's transaction status vocabulary onto the
// three states the reconciler cares about. A capture only counts as
// paid once fraud screening accepts it.
func (n Notification) Outcome() string {
	switch n.TransactionStatus {
	case "settlement":
		return OutcomePaid
	case "capture":
		if n.FraudStatus == "accept" {
			return OutcomePaid
		}
		return OutcomePending
	case "deny", "cancel", "expire", "failure":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
