package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// InboundEvent is one received gateway notification after checksum
// verification. The gateway payload carries no explicit event id, so EventID
// is derived deterministically; redeliveries of the same logical status change
// derive the same id, while a superseding status change derives a new one.
type InboundEvent struct {
	EventID              string    `json:"event_id"`
	TransactionReference string    `json:"transaction_reference"`
	GatewayTransactionID string    `json:"gateway_transaction_id,omitempty"`
	ReportedStatus       string    `json:"reported_status"`
	AmountMinorUnits     int64     `json:"amount_minor_units,omitempty"`
	Currency             string    `json:"currency,omitempty"`
	PayloadDigest        string    `json:"payload_digest"`
	ReceivedAt           time.Time `json:"received_at"`
}

// DeriveEventID builds the deterministic identity of a logical status-change
// event from the transaction reference, the reported status, and a digest of
// the distinguishing transaction fields. The unit separator keeps field
// boundaries unambiguous regardless of field content.
func DeriveEventID(reference, reportedStatus, fieldDigest string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(reference)))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.TrimSpace(strings.ToLower(reportedStatus))))
	h.Write([]byte{0x1f})
	h.Write([]byte(fieldDigest))
	return hex.EncodeToString(h.Sum(nil))
}

// DigestFields hashes an ordered list of field values into the distinguishing
// digest used by DeriveEventID and for payload-conflict detection.
func DigestFields(values ...string) string {
	h := sha256.New()
	for i, v := range values {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}
