package pebble

import (
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
)

type orderRecord struct {
	ID                    string        `json:"id"`
	Status                string        `json:"status"`
	CustomerID            string        `json:"customerId"`
	SpecialistID          *string       `json:"specialistId,omitempty"`
	RequestedSpecialistID string        `json:"requestedSpecialistId,omitempty"`
	ServiceID             string        `json:"serviceId"`
	CategorySlug          string        `json:"categorySlug"`
	Description           string        `json:"description,omitempty"`
	IsUrgent              bool          `json:"isUrgent"`
	PreferredAt           *time.Time    `json:"preferredAt,omitempty"`
	ScheduledAt           *time.Time    `json:"scheduledAt,omitempty"`
	AcceptDeadlineAt      *time.Time    `json:"acceptDeadlineAt,omitempty"`
	Version               int64         `json:"version"`
	Rating                *ratingRecord `json:"rating,omitempty"`
	RejectCount           int           `json:"rejectCount"`
	FinishNote            string        `json:"finishNote,omitempty"`
	Attachments           []string      `json:"attachments,omitempty"`
	CancelReason          string        `json:"cancelReason,omitempty"`
	LastOperation         string        `json:"lastOperation,omitempty"`
	LastActorID           string        `json:"lastActorId,omitempty"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

type ratingRecord struct {
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type eventRecord struct {
	ID        string         `json:"id"`
	OrderID   string         `json:"orderId"`
	Type      string         `json:"type"`
	Operation string         `json:"operation"`
	ActorID   string         `json:"actorId"`
	ActorRole string         `json:"actorRole"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func encodeOrder(order domain.Order) orderRecord {
	rec := orderRecord{
		ID:                    order.ID,
		Status:                string(order.Status),
		CustomerID:            order.CustomerID,
		SpecialistID:          order.SpecialistID,
		RequestedSpecialistID: order.RequestedSpecialistID,
		ServiceID:             order.ServiceID,
		CategorySlug:          order.CategorySlug,
		Description:           order.Description,
		IsUrgent:              order.IsUrgent,
		PreferredAt:           order.PreferredAt,
		ScheduledAt:           order.ScheduledAt,
		AcceptDeadlineAt:      order.AcceptDeadlineAt,
		Version:               order.Version,
		RejectCount:           order.RejectCount,
		FinishNote:            order.FinishNote,
		Attachments:           order.Attachments,
		CancelReason:          order.CancelReason,
		LastOperation:         string(order.LastOperation),
		LastActorID:           order.LastActorID,
		CreatedAt:             order.CreatedAt.UTC(),
		UpdatedAt:             order.UpdatedAt.UTC(),
	}
	if order.Rating != nil {
		rec.Rating = &ratingRecord{Score: order.Rating.Score, Comment: order.Rating.Comment, CreatedAt: order.Rating.CreatedAt.UTC()}
	}
	return rec
}

func (rec orderRecord) decode() domain.Order {
	order := domain.Order{
		ID:                    rec.ID,
		Status:                domain.OrderStatus(rec.Status),
		CustomerID:            rec.CustomerID,
		SpecialistID:          rec.SpecialistID,
		RequestedSpecialistID: rec.RequestedSpecialistID,
		ServiceID:             rec.ServiceID,
		CategorySlug:          rec.CategorySlug,
		Description:           rec.Description,
		IsUrgent:              rec.IsUrgent,
		PreferredAt:           rec.PreferredAt,
		ScheduledAt:           rec.ScheduledAt,
		AcceptDeadlineAt:      rec.AcceptDeadlineAt,
		Version:               rec.Version,
		RejectCount:           rec.RejectCount,
		FinishNote:            rec.FinishNote,
		Attachments:           rec.Attachments,
		CancelReason:          rec.CancelReason,
		LastOperation:         domain.Operation(rec.LastOperation),
		LastActorID:           rec.LastActorID,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	}
	if rec.Rating != nil {
		order.Rating = &domain.Rating{Score: rec.Rating.Score, Comment: rec.Rating.Comment, CreatedAt: rec.Rating.CreatedAt}
	}
	return order
}

func encodeEvent(event domain.OrderEvent) eventRecord {
	return eventRecord{
		ID:        event.ID,
		OrderID:   event.OrderID,
		Type:      string(event.Type),
		Operation: string(event.Operation),
		ActorID:   event.ActorID,
		ActorRole: string(event.ActorRole),
		Version:   event.Version,
		CreatedAt: event.CreatedAt.UTC(),
		Payload:   event.Payload,
	}
}

func (rec eventRecord) decode() domain.OrderEvent {
	return domain.OrderEvent{
		ID:        rec.ID,
		OrderID:   rec.OrderID,
		Type:      domain.OrderStatus(rec.Type),
		Operation: domain.Operation(rec.Operation),
		ActorID:   rec.ActorID,
		ActorRole: domain.ActorRole(rec.ActorRole),
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		Payload:   rec.Payload,
	}
}
