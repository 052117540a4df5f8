package firestore

import (
	"testing"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
)

func TestOrderDocumentRoundTripPreservesNullSpecialist(t *testing.T) {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("UTC+3", 3*60*60))
	deadline := created.Add(time.Hour)
	order := domain.Order{
		ID:                    "ord_1",
		Status:                domain.OrderStatusPending,
		CustomerID:            "cust-1",
		RequestedSpecialistID: "spl-9",
		AcceptDeadlineAt:      &deadline,
		CreatedAt:             created,
		UpdatedAt:             created,
	}

	doc := newOrderDocument(order)
	if doc.SpecialistID != nil {
		t.Fatalf("expected nil specialist in document")
	}
	if doc.CreatedAt.Location() != time.UTC || doc.AcceptDeadlineAt.Location() != time.UTC {
		t.Fatalf("expected timestamps normalised to UTC")
	}

	got := doc.toDomain("ord_1")
	if got.ID != "ord_1" || got.RequestedSpecialistID != "spl-9" || got.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order %+v", got)
	}
	if !got.AcceptDeadlineAt.Equal(deadline) {
		t.Fatalf("deadline mismatch: %v vs %v", got.AcceptDeadlineAt, deadline)
	}
}

func TestEventDocumentCarriesOrderID(t *testing.T) {
	event := domain.OrderEvent{ID: "evt_1", OrderID: "ord_1", Type: domain.OrderStatusAssigned, Version: 1}
	got := newEventDocument(event).toDomain("ord_1")
	if got.OrderID != "ord_1" || got.Type != domain.OrderStatusAssigned || got.Version != 1 {
		t.Fatalf("unexpected event %+v", got)
	}
}
