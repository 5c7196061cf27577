package server

import (
	"eventline/internal/domain"
	"eventline/internal/engine"
)

// Request payloads

type CreateEventRequest struct {
	Title           string  `json:"title"`
	Description     *string `json:"description,omitempty"`
	Location        *string `json:"location,omitempty"`
	Date            string  `json:"date" format:"date-time"`
	MaxParticipants int     `json:"max_participants" minimum:"1"`
	Price           float64 `json:"price" minimum:"0"`
}

type CreateReviewRequest struct {
	Rating  int     `json:"rating" minimum:"1" maximum:"5"`
	Comment *string `json:"comment,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID              string  `json:"id"`
	HostID          string  `json:"host_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Location        string  `json:"location,omitempty"`
	Date            string  `json:"date"`
	MaxParticipants int     `json:"max_participants"`
	CurrentCount    int     `json:"current_count"`
	SpotsLeft       int     `json:"spots_left"`
	Price           float64 `json:"price"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:              e.ID,
		HostID:          e.HostID,
		Title:           e.Title,
		Description:     e.Description,
		Location:        e.Location,
		Date:            e.Date,
		MaxParticipants: e.MaxParticipants,
		CurrentCount:    e.CurrentCount,
		SpotsLeft:       e.MaxParticipants - e.CurrentCount,
		Price:           e.Price,
		Status:          e.Status,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

type ParticipantResponse struct {
	ID            string  `json:"id"`
	EventID       string  `json:"event_id"`
	UserID        string  `json:"user_id"`
	PaymentStatus string  `json:"payment_status,omitempty"`
	AmountPaid    float64 `json:"amount_paid"`
	JoinedAt      string  `json:"joined_at"`
}

func participantResponse(p domain.Participant) ParticipantResponse {
	return ParticipantResponse{
		ID:            p.ID,
		EventID:       p.EventID,
		UserID:        p.UserID,
		PaymentStatus: p.PaymentStatus,
		AmountPaid:    p.AmountPaid,
		JoinedAt:      p.JoinedAt,
	}
}

func mapParticipants(items []domain.Participant) []ParticipantResponse {
	res := make([]ParticipantResponse, 0, len(items))
	for _, p := range items {
		res = append(res, participantResponse(p))
	}
	return res
}

// JoinResponse is the union of the two join outcomes: immediate
// admission (free events) or a payment to complete (paid events).
type JoinResponse struct {
	Status      string                  `json:"status" enum:"joined,payment_required"`
	Event       EventResponse           `json:"event"`
	Participant *ParticipantResponse    `json:"participant,omitempty"`
	Payment     *engine.PaymentRequired `json:"payment,omitempty"`
}

func joinResponse(out engine.JoinOutcome) JoinResponse {
	res := JoinResponse{Event: eventResponse(out.Event), Payment: out.Payment}
	if out.Joined != nil {
		res.Status = "joined"
		p := participantResponse(*out.Joined)
		res.Participant = &p
	} else {
		res.Status = "payment_required"
	}
	return res
}

type ParticipationResponse struct {
	IsParticipant  bool                 `json:"is_participant"`
	PaymentPending bool                 `json:"payment_pending"`
	RefundDue      bool                 `json:"refund_due"`
	Participant    *ParticipantResponse `json:"participant,omitempty"`
}

func participationResponse(st engine.ParticipationStatus) ParticipationResponse {
	res := ParticipationResponse{
		IsParticipant:  st.Participating,
		PaymentPending: st.PaymentPending,
		RefundDue:      st.RefundDue,
	}
	if st.Participant != nil {
		p := participantResponse(*st.Participant)
		res.Participant = &p
	}
	return res
}

type IntentResponse struct {
	ID        string  `json:"id"`
	EventID   string  `json:"event_id"`
	UserID    string  `json:"user_id"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func mapIntents(items []domain.PaymentIntent) []IntentResponse {
	res := make([]IntentResponse, 0, len(items))
	for _, pi := range items {
		res = append(res, IntentResponse{
			ID:        pi.ID,
			EventID:   pi.EventID,
			UserID:    pi.UserID,
			Amount:    pi.Amount,
			Status:    pi.Status,
			CreatedAt: pi.CreatedAt,
			UpdatedAt: pi.UpdatedAt,
		})
	}
	return res
}

type ReviewResponse struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	UserID    string `json:"user_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

func reviewResponse(r domain.Review) ReviewResponse {
	return ReviewResponse{
		ID:        r.ID,
		EventID:   r.EventID,
		UserID:    r.UserID,
		Rating:    r.Rating,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

func mapReviews(items []domain.Review) []ReviewResponse {
	res := make([]ReviewResponse, 0, len(items))
	for _, r := range items {
		res = append(res, reviewResponse(r))
	}
	return res
}

type LogEntryResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

func mapLogEntries(items []domain.LogEntry) []LogEntryResponse {
	res := make([]LogEntryResponse, 0, len(items))
	for _, le := range items {
		res = append(res, LogEntryResponse{
			ID:         le.ID,
			TS:         le.TS,
			Type:       le.Type,
			EventID:    le.EventID,
			EntityKind: le.EntityKind,
			EntityID:   le.EntityID,
			ActorID:    le.ActorID,
			Payload:    le.Payload,
		})
	}
	return res
}
