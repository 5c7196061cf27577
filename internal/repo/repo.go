package repo

import (
	"context"
	"database/sql"
	"errors"

	"eventline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Users

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,display_name,created_at) VALUES (?,?,?)`,
		u.ID, nullable(u.DisplayName), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(display_name,'') AS display_name,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// EnsureUser inserts the user if it does not already exist.
func (r Repo) EnsureUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,display_name,created_at) VALUES (?,?,?)`,
		u.ID, nullable(u.DisplayName), u.CreatedAt)
	return err
}

// Events

const eventCols = `id,host_id,title,COALESCE(description,'') AS description,COALESCE(location,'') AS location,date,max_participants,current_count,price,status,created_at,updated_at`

func scanEvent(row *sql.Row) (domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.HostID, &e.Title, &e.Description, &e.Location, &e.Date,
		&e.MaxParticipants, &e.CurrentCount, &e.Price, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO events(id,host_id,title,description,location,date,max_participants,current_count,price,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.HostID, e.Title, nullable(e.Description), nullable(e.Location), e.Date,
		e.MaxParticipants, e.CurrentCount, e.Price, e.Status, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id=?`, id))
}

func (r Repo) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	return scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id=?`, id))
}

func (r Repo) ListEvents(ctx context.Context, status, hostID string) ([]domain.Event, error) {
	q := `SELECT ` + eventCols + ` FROM events`
	var args []any
	var where []string
	if status != "" {
		where = append(where, `status=?`)
		args = append(args, status)
	}
	if hostID != "" {
		where = append(where, `host_id=?`)
		args = append(args, hostID)
	}
	for i, cond := range where {
		if i == 0 {
			q += ` WHERE ` + cond
		} else {
			q += ` AND ` + cond
		}
	}
	q += ` ORDER BY date ASC`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.HostID, &e.Title, &e.Description, &e.Location, &e.Date,
			&e.MaxParticipants, &e.CurrentCount, &e.Price, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `UPDATE events SET title=?,description=?,location=?,date=?,max_participants=?,current_count=?,price=?,status=?,updated_at=? WHERE id=?`,
		e.Title, nullable(e.Description), nullable(e.Location), e.Date,
		e.MaxParticipants, e.CurrentCount, e.Price, e.Status, e.UpdatedAt, e.ID)
	return err
}

func (r Repo) UpdateEventStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE events SET status=?,updated_at=? WHERE id=?`, status, updatedAt, id)
	return err
}

// SetEventCountTx writes a new seat count and status in one statement so
// the counter and the open/full flag never drift apart.
func (r Repo) SetEventCountTx(ctx context.Context, tx *sql.Tx, id string, count int, status, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE events SET current_count=?,status=?,updated_at=? WHERE id=?`, count, status, updatedAt, id)
	return err
}

// Participants

func scanParticipant(row *sql.Row) (domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(&p.ID, &p.EventID, &p.UserID, &p.PaymentStatus, &p.AmountPaid, &p.JoinedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

const participantCols = `id,event_id,user_id,COALESCE(payment_status,'') AS payment_status,amount_paid,joined_at`

func (r Repo) InsertParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participants(id,event_id,user_id,payment_status,amount_paid,joined_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.EventID, p.UserID, p.PaymentStatus, p.AmountPaid, p.JoinedAt)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, eventID, userID string) (domain.Participant, error) {
	return scanParticipant(r.DB.QueryRowContext(ctx, `SELECT `+participantCols+` FROM participants WHERE event_id=? AND user_id=?`, eventID, userID))
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, eventID, userID string) (domain.Participant, error) {
	return scanParticipant(tx.QueryRowContext(ctx, `SELECT `+participantCols+` FROM participants WHERE event_id=? AND user_id=?`, eventID, userID))
}

func (r Repo) DeleteParticipantTx(ctx context.Context, tx *sql.Tx, eventID, userID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE event_id=? AND user_id=?`, eventID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListParticipants(ctx context.Context, eventID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+participantCols+` FROM participants WHERE event_id=? ORDER BY joined_at ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.EventID, &p.UserID, &p.PaymentStatus, &p.AmountPaid, &p.JoinedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountParticipantsTx(ctx context.Context, tx *sql.Tx, eventID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE event_id=?`, eventID).Scan(&n)
	return n, err
}

// Payment intents

const intentCols = `id,event_id,user_id,amount,status,COALESCE(client_secret,'') AS client_secret,created_at,updated_at`

func scanIntent(row *sql.Row) (domain.PaymentIntent, error) {
	var pi domain.PaymentIntent
	err := row.Scan(&pi.ID, &pi.EventID, &pi.UserID, &pi.Amount, &pi.Status, &pi.ClientSecret, &pi.CreatedAt, &pi.UpdatedAt)
	if err == sql.ErrNoRows {
		return pi, ErrNotFound
	}
	return pi, err
}

func (r Repo) InsertIntentTx(ctx context.Context, tx *sql.Tx, pi domain.PaymentIntent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_intents(id,event_id,user_id,amount,status,client_secret,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		pi.ID, pi.EventID, pi.UserID, pi.Amount, pi.Status, nullable(pi.ClientSecret), pi.CreatedAt, pi.UpdatedAt)
	return err
}

func (r Repo) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	return scanIntent(r.DB.QueryRowContext(ctx, `SELECT `+intentCols+` FROM payment_intents WHERE id=?`, id))
}

func (r Repo) GetIntentTx(ctx context.Context, tx *sql.Tx, id string) (domain.PaymentIntent, error) {
	return scanIntent(tx.QueryRowContext(ctx, `SELECT `+intentCols+` FROM payment_intents WHERE id=?`, id))
}

// PendingIntent returns the open intent for an event/user pair, if any.
func (r Repo) PendingIntent(ctx context.Context, eventID, userID string) (domain.PaymentIntent, error) {
	return scanIntent(r.DB.QueryRowContext(ctx, `SELECT `+intentCols+` FROM payment_intents WHERE event_id=? AND user_id=? AND status='pending' ORDER BY created_at DESC LIMIT 1`, eventID, userID))
}

func (r Repo) UpdateIntentStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE payment_intents SET status=?,updated_at=? WHERE id=?`, status, updatedAt, id)
	return err
}

func (r Repo) ListIntentsByStatus(ctx context.Context, status string) ([]domain.PaymentIntent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+intentCols+` FROM payment_intents WHERE status=? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentIntent
	for rows.Next() {
		var pi domain.PaymentIntent
		if err := rows.Scan(&pi.ID, &pi.EventID, &pi.UserID, &pi.Amount, &pi.Status, &pi.ClientSecret, &pi.CreatedAt, &pi.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, pi)
	}
	return res, rows.Err()
}

// Reviews

func (r Repo) InsertReview(ctx context.Context, rv domain.Review) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO reviews(id,event_id,user_id,rating,comment,created_at) VALUES (?,?,?,?,?,?)`,
		rv.ID, rv.EventID, rv.UserID, rv.Rating, nullable(rv.Comment), rv.CreatedAt)
	return err
}

func (r Repo) ListReviews(ctx context.Context, eventID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,event_id,user_id,rating,COALESCE(comment,'') AS comment,created_at FROM reviews WHERE event_id=? ORDER BY created_at DESC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		if err := rows.Scan(&rv.ID, &rv.EventID, &rv.UserID, &rv.Rating, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

func (r Repo) HasReview(ctx context.Context, eventID, userID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM reviews WHERE event_id=? AND user_id=?`, eventID, userID).Scan(&n)
	return n > 0, err
}

// Event log

func scanLogRows(rows *sql.Rows) ([]domain.LogEntry, error) {
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var le domain.LogEntry
		if err := rows.Scan(&le.ID, &le.TS, &le.Type, &le.EventID, &le.EntityKind, &le.EntityID, &le.ActorID, &le.Payload); err != nil {
			return nil, err
		}
		res = append(res, le)
	}
	return res, rows.Err()
}

const logCols = `id,ts,type,COALESCE(event_id,'') AS event_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,COALESCE(payload_json,'{}') AS payload_json`

func (r Repo) LatestLogEntries(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logCols+` FROM event_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanLogRows(rows)
}

// LogEntriesAfter returns entries with a sequence greater than seq, oldest first.
func (r Repo) LogEntriesAfter(ctx context.Context, seq int64, limit int) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logCols+` FROM event_log WHERE id>? ORDER BY id ASC LIMIT ?`, seq, limit)
	if err != nil {
		return nil, err
	}
	return scanLogRows(rows)
}

func (r Repo) MaxLogSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM event_log`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
