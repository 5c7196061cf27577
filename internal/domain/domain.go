package domain

// Event statuses.
const (
	EventOpen      = "open"
	EventFull      = "full"
	EventCancelled = "cancelled"
	EventCompleted = "completed"
)

// Participant payment states. Free joins carry an empty payment status;
// paid joins only ever materialize as completed (pending intents never
// become participant rows).
const (
	PaymentNone      = ""
	PaymentCompleted = "completed"
)

// Payment intent statuses.
const (
	IntentPending   = "pending"
	IntentSucceeded = "succeeded"
	IntentFailed    = "failed"
	IntentRefundDue = "refund_due"
)

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID              string  `json:"id"`
	HostID          string  `json:"host_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Location        string  `json:"location,omitempty"`
	Date            string  `json:"date" format:"date-time"`
	MaxParticipants int     `json:"max_participants"`
	CurrentCount    int     `json:"current_count"`
	Price           float64 `json:"price"`
	Status          string  `json:"status" enum:"open,full,cancelled,completed"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Free reports whether joining the event requires no payment.
func (e Event) Free() bool { return e.Price == 0 }

// Terminal reports whether the event can no longer change capacity.
func (e Event) Terminal() bool {
	return e.Status == EventCancelled || e.Status == EventCompleted
}

type Participant struct {
	ID            string  `json:"id"`
	EventID       string  `json:"event_id"`
	UserID        string  `json:"user_id"`
	PaymentStatus string  `json:"payment_status,omitempty"`
	AmountPaid    float64 `json:"amount_paid"`
	JoinedAt      string  `json:"joined_at" format:"date-time"`
}

type PaymentIntent struct {
	ID           string  `json:"id"`
	EventID      string  `json:"event_id"`
	UserID       string  `json:"user_id"`
	Amount       float64 `json:"amount"`
	Status       string  `json:"status" enum:"pending,succeeded,failed,refund_due"`
	ClientSecret string  `json:"client_secret,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the intent has reached a final state and
// further provider confirmations for it are replays.
func (p PaymentIntent) Terminal() bool {
	return p.Status != IntentPending
}

type Review struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	UserID    string `json:"user_id"`
	Rating    int    `json:"rating" minimum:"1" maximum:"5"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// LogEntry is one row of the audit log. Every capacity or payment state
// change appends one in the same transaction.
type LogEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
