/**
 * @description
 * This file contains the HTTP handlers for the reconciliation-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * The webhook handler acknowledges deliveries as soon as the event has been
 * verified and durably marked as seen. The ledger transition itself runs
 * after the acknowledgement so a slow database never causes the gateway to
 * redeliver an event that was already accepted.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cleargate/reconciliation-service/internal/app"
	"github.com/cleargate/reconciliation-service/internal/domain"
	"github.com/cleargate/reconciliation-service/internal/store"
)

// maxWebhookBody caps webhook payload reads at 1 MiB.
const maxWebhookBody = 1 << 20

// ReconciliationHandlers holds the application service that handlers will use.
type ReconciliationHandlers struct {
	service *app.Service
}

// NewReconciliationHandlers creates a new instance of ReconciliationHandlers.
func NewReconciliationHandlers(service *app.Service) *ReconciliationHandlers {
	return &ReconciliationHandlers{service: service}
}

// transactionResponse is the wire shape for a ledger record.
type transactionResponse struct {
	ID               string  `json:"id"`
	Reference        string  `json:"reference"`
	GatewayID        *string `json:"gateway_id,omitempty"`
	AmountMinorUnits int64   `json:"amount_minor_units"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	StatusSource     string  `json:"status_source,omitempty"`
	CreatedAt        string  `json:"created_at"`
	LastObservedAt   string  `json:"last_observed_at"`
}

func buildTransactionResponse(tx *domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:               tx.ID.String(),
		Reference:        tx.Reference,
		GatewayID:        tx.GatewayID,
		AmountMinorUnits: tx.AmountMinorUnits,
		Currency:         tx.Currency,
		Status:           tx.Status,
		StatusSource:     tx.StatusSource,
		CreatedAt:        tx.CreatedAt.UTC().Format(time.RFC3339),
		LastObservedAt:   tx.LastObservedAt.UTC().Format(time.RFC3339),
	}
}

// WebhookHandler receives raw gateway event deliveries. Signature
// verification and deduplication happen before the 200 acknowledgement; the
// ledger transition runs afterwards in a goroutine.
func (h *ReconciliationHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	result, err := h.service.IngestRawEvent(r.Context(), body)
	if err != nil {
		switch domain.ErrorKind(err) {
		case domain.KindChecksumInvalid:
			log.Printf("level=warn component=api endpoint=webhook outcome=reject reason=checksum_invalid")
			h.writeError(w, http.StatusUnauthorized, "Event signature verification failed")
		case domain.KindValidationError:
			log.Printf("level=warn component=api endpoint=webhook outcome=reject reason=malformed_payload err=%v", err)
			h.writeError(w, http.StatusBadRequest, "Malformed event payload")
		default:
			log.Printf("level=error component=api endpoint=webhook outcome=error err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process event")
		}
		return
	}

	if result.PayloadMismatch {
		// Mismatched redeliveries are acknowledged so the gateway stops
		// retrying, but the payload is never applied to the ledger. The
		// anomaly is already on the notification channel.
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event_id": result.Event.EventID})
		return
	}

	if result.Duplicate {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "event_id": result.Event.EventID})
		duplicate := result.Event
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := h.service.ReapplyDuplicate(ctx, duplicate); err != nil {
				log.Printf("level=error component=api endpoint=webhook msg=\"duplicate re-check failed\" event_id=%s reference=%s err=%v", duplicate.EventID, duplicate.TransactionReference, err)
			}
		}()
		return
	}

	// Ack first, transition after. The event is already marked as seen, so a
	// crash here is recovered by the polling fallback, not by redelivery.
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "event_id": result.Event.EventID})

	event := result.Event
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h.service.ProcessEvent(ctx, event); err != nil {
			log.Printf("level=error component=api endpoint=webhook msg=\"event processing failed after ack\" event_id=%s reference=%s err=%v", event.EventID, event.TransactionReference, err)
		}
	}()
}

// CreateTransactionHandler handles requests to create a gateway transaction
// through the retry-safe creator.
func (h *ReconciliationHandlers) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.service.Create(r.Context(), req)
	if err != nil {
		kind := domain.ErrorKind(err)
		switch kind {
		case domain.KindValidationError:
			h.writeError(w, http.StatusBadRequest, err.Error())
		case domain.KindReferenceConflict:
			h.writeError(w, http.StatusConflict, "Reference already used with different parameters")
		case domain.KindAuthError:
			log.Printf("level=error component=api endpoint=create_transaction outcome=reject reason=gateway_auth err=%v", err)
			h.writeError(w, http.StatusBadGateway, "Gateway rejected service credentials")
		case domain.KindRateLimited:
			h.writeError(w, http.StatusTooManyRequests, "Gateway rate limit exceeded; try again later")
		case domain.KindAmbiguous:
			log.Printf("level=error component=api endpoint=create_transaction outcome=ambiguous reference=%s err=%v", req.Reference, err)
			h.writeError(w, http.StatusBadGateway, "Transaction outcome unknown; do not retry blindly")
		case domain.KindServerError:
			h.writeError(w, http.StatusBadGateway, "Gateway unavailable")
		default:
			log.Printf("level=error component=api endpoint=create_transaction outcome=error reference=%s err=%v", req.Reference, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to create transaction")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, buildTransactionResponse(tx))
}

// GetTransactionHandler returns the ledger record for a merchant reference.
func (h *ReconciliationHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if reference == "" {
		h.writeError(w, http.StatusBadRequest, "Reference is required")
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_transaction outcome=error reference=%s err=%v", reference, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load transaction")
		return
	}

	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

// writeJSON is a helper for writing JSON responses.
func (h *ReconciliationHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *ReconciliationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
