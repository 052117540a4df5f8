// Package events publishes committed order lifecycle events to downstream consumers.
package events

import (
	"strconv"
	"strings"

	"github.com/solucity-dev/solucity-sub000/internal/services"
)

// Attribute keys shared by every transport so consumers can filter without decoding the body.
const (
	AttrEventID    = "eventId"
	AttrOrderID    = "orderId"
	AttrType       = "type"
	AttrOperation  = "operation"
	AttrVersion    = "version"
	AttrCustomerID = "customerId"
	AttrSpecialist = "specialistId"
	AttrActorRole  = "actorRole"
)

// Attributes returns the routing metadata for message. Empty values are dropped.
func Attributes(message services.OrderEventMessage) map[string]string {
	attrs := make(map[string]string, 8)
	set := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			attrs[key] = value
		}
	}
	set(AttrEventID, message.EventID)
	set(AttrOrderID, message.OrderID)
	set(AttrType, message.Type)
	set(AttrOperation, message.Operation)
	set(AttrVersion, strconv.FormatInt(message.Version, 10))
	set(AttrCustomerID, message.CustomerID)
	set(AttrSpecialist, message.SpecialistID)
	set(AttrActorRole, message.ActorRole)
	return attrs
}

// OrderingKey groups every event of one order so transports that honour keys keep them in version order.
func OrderingKey(message services.OrderEventMessage) string {
	return strings.TrimSpace(message.OrderID)
}
