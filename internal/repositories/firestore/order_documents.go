package firestore

import (
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
)

// specialistId is written as an explicit null while unassigned so equality-on-null queries match.
type orderDocument struct {
	Status                string          `firestore:"status"`
	CustomerID            string          `firestore:"customerId"`
	SpecialistID          *string         `firestore:"specialistId"`
	RequestedSpecialistID string          `firestore:"requestedSpecialistId"`
	ServiceID             string          `firestore:"serviceId"`
	CategorySlug          string          `firestore:"categorySlug"`
	Description           string          `firestore:"description,omitempty"`
	IsUrgent              bool            `firestore:"isUrgent"`
	PreferredAt           *time.Time      `firestore:"preferredAt,omitempty"`
	ScheduledAt           *time.Time      `firestore:"scheduledAt,omitempty"`
	AcceptDeadlineAt      *time.Time      `firestore:"acceptDeadlineAt"`
	Version               int64           `firestore:"version"`
	Rating                *ratingDocument `firestore:"rating,omitempty"`
	RejectCount           int             `firestore:"rejectCount"`
	FinishNote            string          `firestore:"finishNote,omitempty"`
	Attachments           []string        `firestore:"attachments,omitempty"`
	CancelReason          string          `firestore:"cancelReason,omitempty"`
	LastOperation         string          `firestore:"lastOperation,omitempty"`
	LastActorID           string          `firestore:"lastActorId,omitempty"`
	CreatedAt             time.Time       `firestore:"createdAt"`
	UpdatedAt             time.Time       `firestore:"updatedAt"`
}

type ratingDocument struct {
	Score     int       `firestore:"score"`
	Comment   string    `firestore:"comment,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type eventDocument struct {
	ID        string         `firestore:"id"`
	Type      string         `firestore:"type"`
	Operation string         `firestore:"operation"`
	ActorID   string         `firestore:"actorId"`
	ActorRole string         `firestore:"actorRole"`
	Version   int64          `firestore:"version"`
	CreatedAt time.Time      `firestore:"createdAt"`
	Payload   map[string]any `firestore:"payload,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		Status:                string(order.Status),
		CustomerID:            order.CustomerID,
		SpecialistID:          order.SpecialistID,
		RequestedSpecialistID: order.RequestedSpecialistID,
		ServiceID:             order.ServiceID,
		CategorySlug:          order.CategorySlug,
		Description:           order.Description,
		IsUrgent:              order.IsUrgent,
		PreferredAt:           utcPtr(order.PreferredAt),
		ScheduledAt:           utcPtr(order.ScheduledAt),
		AcceptDeadlineAt:      utcPtr(order.AcceptDeadlineAt),
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
		doc.Rating = &ratingDocument{
			Score:     order.Rating.Score,
			Comment:   order.Rating.Comment,
			CreatedAt: order.Rating.CreatedAt.UTC(),
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:                    id,
		Status:                domain.OrderStatus(d.Status),
		CustomerID:            d.CustomerID,
		SpecialistID:          d.SpecialistID,
		RequestedSpecialistID: d.RequestedSpecialistID,
		ServiceID:             d.ServiceID,
		CategorySlug:          d.CategorySlug,
		Description:           d.Description,
		IsUrgent:              d.IsUrgent,
		PreferredAt:           utcPtr(d.PreferredAt),
		ScheduledAt:           utcPtr(d.ScheduledAt),
		AcceptDeadlineAt:      utcPtr(d.AcceptDeadlineAt),
		Version:               d.Version,
		RejectCount:           d.RejectCount,
		FinishNote:            d.FinishNote,
		Attachments:           d.Attachments,
		CancelReason:          d.CancelReason,
		LastOperation:         domain.Operation(d.LastOperation),
		LastActorID:           d.LastActorID,
		CreatedAt:             d.CreatedAt.UTC(),
		UpdatedAt:             d.UpdatedAt.UTC(),
	}
	if d.Rating != nil {
		order.Rating = &domain.Rating{Score: d.Rating.Score, Comment: d.Rating.Comment, CreatedAt: d.Rating.CreatedAt.UTC()}
	}
	return order
}

func newEventDocument(event domain.OrderEvent) eventDocument {
	return eventDocument{
		ID:        event.ID,
		Type:      string(event.Type),
		Operation: string(event.Operation),
		ActorID:   event.ActorID,
		ActorRole: string(event.ActorRole),
		Version:   event.Version,
		CreatedAt: event.CreatedAt.UTC(),
		Payload:   event.Payload,
	}
}

func (d eventDocument) toDomain(orderID string) domain.OrderEvent {
	return domain.OrderEvent{
		ID:        d.ID,
		OrderID:   orderID,
		Type:      domain.OrderStatus(d.Type),
		Operation: domain.Operation(d.Operation),
		ActorID:   d.ActorID,
		ActorRole: domain.ActorRole(d.ActorRole),
		Version:   d.Version,
		CreatedAt: d.CreatedAt.UTC(),
		Payload:   d.Payload,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
