package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eventline/internal/audit"
	"eventline/internal/config"
	"eventline/internal/domain"
	"eventline/internal/payment"
	"eventline/internal/repo"
)

var (
	ErrEventFull        = errors.New("event is full")
	ErrAlreadyJoined    = errors.New("already joined")
	ErrEventNotJoinable = errors.New("event is not joinable")
	ErrNotAParticipant  = errors.New("not a participant")
	ErrHostCannotJoin   = errors.New("host cannot join own event")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Log      audit.Writer
	Config   *config.Config
	Payments payment.Provider
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, provider payment.Provider) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Log:      audit.Writer{DB: db},
		Config:   cfg,
		Payments: provider,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// EventCreateOptions are parameters for publishing a new event.
type EventCreateOptions struct {
	HostID          string
	Title           string
	Description     string
	Location        string
	Date            string
	MaxParticipants int
	Price           float64
}

func (e Engine) CreateEvent(ctx context.Context, opts EventCreateOptions) (domain.Event, error) {
	if opts.HostID == "" {
		return domain.Event{}, errors.New("host is required")
	}
	if opts.Title == "" {
		return domain.Event{}, errors.New("title is required")
	}
	if opts.MaxParticipants <= 0 {
		return domain.Event{}, errors.New("max participants must be positive")
	}
	if opts.Price < 0 {
		return domain.Event{}, errors.New("price must not be negative")
	}
	if _, err := time.Parse(time.RFC3339, opts.Date); err != nil {
		return domain.Event{}, fmt.Errorf("invalid date %q: expected RFC3339", opts.Date)
	}
	now := e.ts()
	ev := domain.Event{
		ID:              uuid.NewString(),
		HostID:          opts.HostID,
		Title:           opts.Title,
		Description:     opts.Description,
		Location:        opts.Location,
		Date:            opts.Date,
		MaxParticipants: opts.MaxParticipants,
		Price:           opts.Price,
		Status:          domain.EventOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.EnsureUser(ctx, domain.User{ID: opts.HostID, CreatedAt: now}); err != nil {
		return domain.Event{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(id,host_id,title,description,location,date,max_participants,current_count,price,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,0,?,?,?,?)`,
		ev.ID, ev.HostID, ev.Title, nullable(ev.Description), nullable(ev.Location), ev.Date,
		ev.MaxParticipants, ev.Price, ev.Status, ev.CreatedAt, ev.UpdatedAt); err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := e.Log.Append(ctx, tx, "event.created", ev.ID, "event", ev.ID, opts.HostID, audit.Payload{
		"title": ev.Title, "max_participants": ev.MaxParticipants, "price": ev.Price,
	}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (e Engine) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return e.Repo.GetEvent(ctx, id)
}

func (e Engine) ListEvents(ctx context.Context, status, hostID string) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, status, hostID)
}

// CancelEvent moves an event to cancelled. Only the host may cancel.
// Pending payment intents for it are flagged refund_due so money already
// in flight is not lost.
func (e Engine) CancelEvent(ctx context.Context, eventID, actorID string) (domain.Event, error) {
	return e.closeEvent(ctx, eventID, actorID, domain.EventCancelled, "event.cancelled")
}

// CompleteEvent moves an event whose date has passed to completed,
// opening it for reviews.
func (e Engine) CompleteEvent(ctx context.Context, eventID, actorID string) (domain.Event, error) {
	return e.closeEvent(ctx, eventID, actorID, domain.EventCompleted, "event.completed")
}

func (e Engine) closeEvent(ctx context.Context, eventID, actorID, status, entryType string) (domain.Event, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if ev.HostID != actorID {
		return domain.Event{}, fmt.Errorf("only host %s may change event %s", ev.HostID, eventID)
	}
	if ev.Terminal() {
		return domain.Event{}, fmt.Errorf("event %s is already %s", eventID, ev.Status)
	}
	if status == domain.EventCompleted {
		d, derr := time.Parse(time.RFC3339, ev.Date)
		if derr != nil {
			return domain.Event{}, derr
		}
		if e.now().Before(d) {
			return domain.Event{}, fmt.Errorf("event %s date must have passed before completion", eventID)
		}
	}
	ev.Status = status
	ev.UpdatedAt = e.ts()
	if err := e.Repo.UpdateEventStatusTx(ctx, tx, ev.ID, ev.Status, ev.UpdatedAt); err != nil {
		return domain.Event{}, err
	}
	if status == domain.EventCancelled {
		if _, err := tx.ExecContext(ctx, `UPDATE payment_intents SET status=?,updated_at=? WHERE event_id=? AND status=?`,
			domain.IntentRefundDue, ev.UpdatedAt, ev.ID, domain.IntentSucceeded); err != nil {
			return domain.Event{}, err
		}
	}
	if err := e.Log.Append(ctx, tx, entryType, ev.ID, "event", ev.ID, actorID, nil); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// TryAdmit atomically claims one seat for userID and inserts the
// participant row. It is the only free-join write path; the check and
// the increment share one transaction so two racing joins for the last
// seat cannot both succeed.
func (e Engine) TryAdmit(ctx context.Context, eventID, userID string) (domain.Participant, error) {
	if err := e.Repo.EnsureUser(ctx, domain.User{ID: userID, CreatedAt: e.ts()}); err != nil {
		return domain.Participant{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()
	ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
	if err != nil {
		return domain.Participant{}, err
	}
	p, err := e.admitTx(ctx, tx, ev, userID, domain.PaymentNone, 0)
	if err != nil {
		return domain.Participant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, err
	}
	return p, nil
}

// joinable rejects events that can no longer take joiners: terminal
// status or a start date that has already passed. An unparseable date
// never admits.
func (e Engine) joinable(ev domain.Event) error {
	if ev.Terminal() {
		return ErrEventNotJoinable
	}
	d, err := time.Parse(time.RFC3339, ev.Date)
	if err != nil || !e.now().Before(d) {
		return ErrEventNotJoinable
	}
	return nil
}

// admitTx performs the capacity check and seat claim inside the caller's
// transaction. Callers must have read ev through the same transaction.
func (e Engine) admitTx(ctx context.Context, tx *sql.Tx, ev domain.Event, userID, paymentStatus string, amount float64) (domain.Participant, error) {
	if err := e.joinable(ev); err != nil {
		return domain.Participant{}, err
	}
	if ev.HostID == userID {
		return domain.Participant{}, ErrHostCannotJoin
	}
	if _, err := e.Repo.GetParticipantTx(ctx, tx, ev.ID, userID); err == nil {
		return domain.Participant{}, ErrAlreadyJoined
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Participant{}, err
	}
	if ev.CurrentCount >= ev.MaxParticipants {
		return domain.Participant{}, ErrEventFull
	}
	now := e.ts()
	p := domain.Participant{
		ID:            uuid.NewString(),
		EventID:       ev.ID,
		UserID:        userID,
		PaymentStatus: paymentStatus,
		AmountPaid:    amount,
		JoinedAt:      now,
	}
	if err := e.Repo.InsertParticipantTx(ctx, tx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	count := ev.CurrentCount + 1
	status := ev.Status
	if count == ev.MaxParticipants {
		status = domain.EventFull
	}
	if err := e.Repo.SetEventCountTx(ctx, tx, ev.ID, count, status, now); err != nil {
		return domain.Participant{}, err
	}
	if err := e.Log.Append(ctx, tx, "participant.joined", ev.ID, "participant", p.ID, userID, audit.Payload{
		"payment_status": paymentStatus, "amount_paid": amount, "seats_taken": count,
	}); err != nil {
		return domain.Participant{}, err
	}
	return p, nil
}

// Withdraw releases userID's seat. A full event reopens when a seat
// frees up.
func (e Engine) Withdraw(ctx context.Context, eventID, userID string) (domain.Event, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if ev.Terminal() {
		return domain.Event{}, ErrEventNotJoinable
	}
	if err := e.Repo.DeleteParticipantTx(ctx, tx, eventID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Event{}, ErrNotAParticipant
		}
		return domain.Event{}, err
	}
	now := e.ts()
	ev.CurrentCount--
	if ev.Status == domain.EventFull {
		ev.Status = domain.EventOpen
	}
	ev.UpdatedAt = now
	if err := e.Repo.SetEventCountTx(ctx, tx, ev.ID, ev.CurrentCount, ev.Status, now); err != nil {
		return domain.Event{}, err
	}
	if err := e.Log.Append(ctx, tx, "participant.left", ev.ID, "participant", userID, userID, audit.Payload{
		"seats_taken": ev.CurrentCount,
	}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// RequestLeave releases the caller's seat. It is Withdraw with the
// join orchestration vocabulary; the two stay separate so the capacity
// enforcer keeps a symmetric TryAdmit/Withdraw pair.
func (e Engine) RequestLeave(ctx context.Context, eventID, userID string) (domain.Event, error) {
	return e.Withdraw(ctx, eventID, userID)
}

// PaymentRequired tells a paid joiner how to complete the charge. No
// seat is held while it is outstanding.
type PaymentRequired struct {
	IntentID     string  `json:"intent_id"`
	Amount       float64 `json:"amount"`
	ClientSecret string  `json:"client_secret,omitempty"`
	RedirectURL  string  `json:"redirect_url,omitempty"`
}

type JoinOutcome struct {
	Event   domain.Event
	Joined  *domain.Participant
	Payment *PaymentRequired
}

// RequestJoin admits userID immediately for free events. For paid events
// it creates a charge with the gateway and records a pending payment
// intent; the seat is only claimed when the gateway confirms.
func (e Engine) RequestJoin(ctx context.Context, eventID, userID string) (JoinOutcome, error) {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return JoinOutcome{}, err
	}
	if ev.Free() {
		p, err := e.TryAdmit(ctx, eventID, userID)
		if err != nil {
			return JoinOutcome{}, err
		}
		ev, err = e.Repo.GetEvent(ctx, eventID)
		if err != nil {
			return JoinOutcome{}, err
		}
		return JoinOutcome{Event: ev, Joined: &p}, nil
	}

	if err := e.joinable(ev); err != nil {
		return JoinOutcome{}, err
	}
	if ev.HostID == userID {
		return JoinOutcome{}, ErrHostCannotJoin
	}
	if _, err := e.Repo.GetParticipant(ctx, eventID, userID); err == nil {
		return JoinOutcome{}, ErrAlreadyJoined
	} else if !errors.Is(err, repo.ErrNotFound) {
		return JoinOutcome{}, err
	}
	if ev.CurrentCount >= ev.MaxParticipants {
		return JoinOutcome{}, ErrEventFull
	}
	if err := e.Repo.EnsureUser(ctx, domain.User{ID: userID, CreatedAt: e.ts()}); err != nil {
		return JoinOutcome{}, err
	}
	if existing, err := e.Repo.PendingIntent(ctx, eventID, userID); err == nil {
		return JoinOutcome{Event: ev, Payment: &PaymentRequired{
			IntentID:     existing.ID,
			Amount:       existing.Amount,
			ClientSecret: existing.ClientSecret,
		}}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return JoinOutcome{}, err
	}
	if e.Payments == nil {
		return JoinOutcome{}, errors.New("payment provider not configured")
	}

	intentID := uuid.NewString()
	charge, err := e.Payments.CreateCharge(ctx, payment.ChargeInput{
		OrderID:     intentID,
		Amount:      ev.Price,
		Description: ev.Title,
	})
	if err != nil {
		return JoinOutcome{}, err
	}
	now := e.ts()
	pi := domain.PaymentIntent{
		ID:           intentID,
		EventID:      eventID,
		UserID:       userID,
		Amount:       ev.Price,
		Status:       domain.IntentPending,
		ClientSecret: charge.Token,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return JoinOutcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIntentTx(ctx, tx, pi); err != nil {
		// A concurrent join may have slipped an intent in between our
		// pending-intent read and this insert; the unique index on open
		// intents turns that into an insert failure. Hand back the row
		// that won.
		tx.Rollback()
		if existing, perr := e.Repo.PendingIntent(ctx, eventID, userID); perr == nil {
			return JoinOutcome{Event: ev, Payment: &PaymentRequired{
				IntentID:     existing.ID,
				Amount:       existing.Amount,
				ClientSecret: existing.ClientSecret,
			}}, nil
		}
		return JoinOutcome{}, fmt.Errorf("insert payment intent: %w", err)
	}
	if err := e.Log.Append(ctx, tx, "payment.intent_created", eventID, "payment_intent", pi.ID, userID, audit.Payload{
		"amount": pi.Amount,
	}); err != nil {
		return JoinOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return JoinOutcome{}, err
	}
	return JoinOutcome{Event: ev, Payment: &PaymentRequired{
		IntentID:     pi.ID,
		Amount:       pi.Amount,
		ClientSecret: charge.Token,
		RedirectURL:  charge.RedirectURL,
	}}, nil
}

// Confirmation outcomes reported by AdmitConfirmed and HandleConfirmation.
const (
	ConfirmAdmitted  = "admitted"
	ConfirmRefundDue = "refund_due"
	ConfirmFailed    = "failed"
	ConfirmPending   = "pending"
	ConfirmDuplicate = "duplicate"
)

type ConfirmationResult struct {
	IntentID    string
	Outcome     string
	Participant *domain.Participant
}

// AdmitConfirmed applies a successful payment for the given intent. It
// is idempotent: replays of an already-settled intent are reported as
// duplicates without touching capacity. If the event filled up or closed
// while the payment was in flight the intent is flagged refund_due
// instead of admitting past capacity.
func (e Engine) AdmitConfirmed(ctx context.Context, intentID string) (ConfirmationResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConfirmationResult{}, err
	}
	defer tx.Rollback()
	pi, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if pi.Terminal() {
		return ConfirmationResult{IntentID: pi.ID, Outcome: ConfirmDuplicate}, nil
	}
	ev, err := e.Repo.GetEventTx(ctx, tx, pi.EventID)
	if err != nil {
		return ConfirmationResult{}, err
	}
	now := e.ts()

	p, admitErr := e.admitTx(ctx, tx, ev, pi.UserID, domain.PaymentCompleted, pi.Amount)
	res := ConfirmationResult{IntentID: pi.ID}
	switch {
	case admitErr == nil:
		res.Outcome = ConfirmAdmitted
		res.Participant = &p
		if err := e.Repo.UpdateIntentStatusTx(ctx, tx, pi.ID, domain.IntentSucceeded, now); err != nil {
			return ConfirmationResult{}, err
		}
		if err := e.Log.Append(ctx, tx, "payment.succeeded", pi.EventID, "payment_intent", pi.ID, pi.UserID, nil); err != nil {
			return ConfirmationResult{}, err
		}
	case errors.Is(admitErr, ErrAlreadyJoined):
		// The seat is already held, most likely by an earlier delivery of
		// the same confirmation racing this one. Settle the intent and
		// hand back the existing row.
		res.Outcome = ConfirmDuplicate
		existing, err := e.Repo.GetParticipantTx(ctx, tx, pi.EventID, pi.UserID)
		if err != nil {
			return ConfirmationResult{}, err
		}
		res.Participant = &existing
		if err := e.Repo.UpdateIntentStatusTx(ctx, tx, pi.ID, domain.IntentSucceeded, now); err != nil {
			return ConfirmationResult{}, err
		}
	case errors.Is(admitErr, ErrEventFull), errors.Is(admitErr, ErrEventNotJoinable):
		res.Outcome = ConfirmRefundDue
		if err := e.Repo.UpdateIntentStatusTx(ctx, tx, pi.ID, domain.IntentRefundDue, now); err != nil {
			return ConfirmationResult{}, err
		}
		if err := e.Log.Append(ctx, tx, "payment.refund_due", pi.EventID, "payment_intent", pi.ID, pi.UserID, audit.Payload{
			"amount": pi.Amount, "reason": admitErr.Error(),
		}); err != nil {
			return ConfirmationResult{}, err
		}
	default:
		return ConfirmationResult{}, admitErr
	}
	if err := tx.Commit(); err != nil {
		return ConfirmationResult{}, err
	}
	return res, nil
}

// HandleConfirmation processes a gateway notification end to end:
// signature check, status mapping, then seat admission or failure
// bookkeeping. Safe to call any number of times per notification.
func (e Engine) HandleConfirmation(ctx context.Context, n payment.Notification) (ConfirmationResult, error) {
	if e.Payments == nil {
		return ConfirmationResult{}, errors.New("payment provider not configured")
	}
	if err := e.Payments.VerifySignature(n); err != nil {
		return ConfirmationResult{}, err
	}
	switch n.Outcome() {
	case payment.OutcomePaid:
		return e.AdmitConfirmed(ctx, n.OrderID)
	case payment.OutcomeFailed:
		return e.markIntentFailed(ctx, n.OrderID, n.TransactionStatus)
	default:
		if _, err := e.Repo.GetIntent(ctx, n.OrderID); err != nil {
			return ConfirmationResult{}, err
		}
		return ConfirmationResult{IntentID: n.OrderID, Outcome: ConfirmPending}, nil
	}
}

func (e Engine) markIntentFailed(ctx context.Context, intentID, reason string) (ConfirmationResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConfirmationResult{}, err
	}
	defer tx.Rollback()
	pi, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if pi.Terminal() {
		return ConfirmationResult{IntentID: pi.ID, Outcome: ConfirmDuplicate}, nil
	}
	now := e.ts()
	if err := e.Repo.UpdateIntentStatusTx(ctx, tx, pi.ID, domain.IntentFailed, now); err != nil {
		return ConfirmationResult{}, err
	}
	if err := e.Log.Append(ctx, tx, "payment.failed", pi.EventID, "payment_intent", pi.ID, pi.UserID, audit.Payload{
		"reason": reason,
	}); err != nil {
		return ConfirmationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ConfirmationResult{}, err
	}
	return ConfirmationResult{IntentID: pi.ID, Outcome: ConfirmFailed}, nil
}

// ParticipationStatus answers "am I in" for one event/user pair. Clients
// poll it after paying; PaymentPending distinguishes "still settling"
// from "not joined".
type ParticipationStatus struct {
	Participating  bool
	Participant    *domain.Participant
	PaymentPending bool
	RefundDue      bool
}

func (e Engine) CheckParticipation(ctx context.Context, eventID, userID string) (ParticipationStatus, error) {
	if _, err := e.Repo.GetEvent(ctx, eventID); err != nil {
		return ParticipationStatus{}, err
	}
	p, err := e.Repo.GetParticipant(ctx, eventID, userID)
	if err == nil {
		return ParticipationStatus{Participating: true, Participant: &p}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return ParticipationStatus{}, err
	}
	var st ParticipationStatus
	if _, err := e.Repo.PendingIntent(ctx, eventID, userID); err == nil {
		st.PaymentPending = true
	} else if !errors.Is(err, repo.ErrNotFound) {
		return ParticipationStatus{}, err
	}
	row := e.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_intents WHERE event_id=? AND user_id=? AND status=?`,
		eventID, userID, domain.IntentRefundDue)
	var n int
	if err := row.Scan(&n); err != nil {
		return ParticipationStatus{}, err
	}
	st.RefundDue = n > 0
	return st, nil
}

// ListRefundsDue returns intents whose money was captured but whose seat
// was never granted. Refunds themselves happen in the gateway dashboard;
// this is the operator's worklist.
func (e Engine) ListRefundsDue(ctx context.Context) ([]domain.PaymentIntent, error) {
	return e.Repo.ListIntentsByStatus(ctx, domain.IntentRefundDue)
}

// AddReview records a rating for a completed event the user attended.
func (e Engine) AddReview(ctx context.Context, eventID, userID string, rating int, comment string) (domain.Review, error) {
	if rating < 1 || rating > 5 {
		return domain.Review{}, errors.New("rating must be between 1 and 5")
	}
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Review{}, err
	}
	if ev.Status != domain.EventCompleted {
		return domain.Review{}, fmt.Errorf("event %s is not completed", eventID)
	}
	if _, err := e.Repo.GetParticipant(ctx, eventID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Review{}, ErrNotAParticipant
		}
		return domain.Review{}, err
	}
	if has, err := e.Repo.HasReview(ctx, eventID, userID); err != nil {
		return domain.Review{}, err
	} else if has {
		return domain.Review{}, fmt.Errorf("user %s already reviewed event %s", userID, eventID)
	}
	rv := domain.Review{
		ID:        uuid.NewString(),
		EventID:   eventID,
		UserID:    userID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: e.ts(),
	}
	if err := e.Repo.InsertReview(ctx, rv); err != nil {
		return domain.Review{}, err
	}
	return rv, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
