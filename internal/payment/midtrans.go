package payment

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

// Midtrans implements Provider against the Midtrans Snap API.
type Midtrans struct {
	client    snap.Client
	serverKey string
}

func NewMidtrans(serverKey string, production bool) *Midtrans {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	m := &Midtrans{serverKey: serverKey}
	m.client.New(serverKey, env)
	return m
}

func (m *Midtrans) CreateCharge(ctx context.Context, in ChargeInput) (Charge, error) {
	gross := int64(in.Amount)
	if float64(gross) != in.Amount {
		return Charge{}, fmt.Errorf("midtrans charge %s: amount %v must be a whole number of currency units", in.OrderID, in.Amount)
	}
	req := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  in.OrderID,
			GrossAmt: gross,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    in.OrderID,
			Name:  in.Description,
			Price: gross,
			Qty:   1,
		}},
	}
	resp, err := m.client.CreateTransaction(req)
	if err != nil {
		return Charge{}, fmt.Errorf("midtrans charge %s: %w", in.OrderID, err)
	}
	return Charge{Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

// VerifySignature checks the SHA512 signature Midtrans attaches to every
// notification: hex(sha512(order_id + status_code + gross_amount + server_key)).
func (m *Midtrans) VerifySignature(n Notification) error {
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + m.serverKey))
	if hex.EncodeToString(sum[:]) != n.SignatureKey {
		return fmt.Errorf("invalid notification signature for order %s", n.OrderID)
	}
	return nil
}
