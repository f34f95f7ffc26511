package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
)

// GatewayEventConsumer adapts the ingestion pipeline to queue-delivered raw
// gateway events, for deployments where an edge service receives the webhook
// and forwards the untouched payload over the broker. Verification and
// deduplication are identical to the HTTP ingress.
type GatewayEventConsumer struct {
	service *Service
}

// NewGatewayEventConsumer creates a consumer bound to the engine.
func NewGatewayEventConsumer(service *Service) *GatewayEventConsumer {
	return &GatewayEventConsumer{service: service}
}

// HandleMessage processes one delivery. Returning true acknowledges the
// message; false requeues it. Permanently unprocessable payloads (bad
// checksum, malformed event) are acknowledged so they cannot poison the
// queue; the rejection is already surfaced through the anomaly channel.
func (c *GatewayEventConsumer) HandleMessage(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.HandleRawEvent(ctx, body); err != nil {
		var recErr *domain.ReconciliationError
		if errors.As(err, &recErr) {
			log.Printf("level=warn component=event_consumer msg=\"dropping unprocessable event\" kind=%s err=%v", recErr.Kind, err)
			return true
		}
		log.Printf("level=error component=event_consumer msg=\"event processing failed; requeueing\" err=%v", err)
		return false
	}
	return true
}
