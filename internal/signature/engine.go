/**
 * @description
 * This package implements the integrity-signing of outbound gateway requests
 * and the checksum verification of inbound gateway events. Both directions
 * bind the material fields of a payload to a shared secret with a SHA-256
 * digest.
 *
 * Verification reads the ordered field-path list that the payload itself
 * declares under `signature.properties`. The covered field set varies per
 * event type and evolves with the gateway's schema, so the list must never be
 * hardcoded: a fixed list would silently break verification on schema
 * evolution without producing any error. Paths resolve against the payload's
 * `data` section via dotted-segment traversal over a loosely-typed JSON tree;
 * a missing segment resolves to the empty string rather than an error.
 *
 * @dependencies
 * - crypto/sha256, crypto/subtle, encoding/json: Standard Go libraries.
 */

package signature

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Sign produces the integrity digest sent with an outbound creation request.
// Field order is fixed and part of the wire contract: reference, amount,
// currency, optional expiry, secret.
func Sign(reference string, amountMinorUnits int64, currency, secret, optionalExpiry string) string {
	h := sha256.New()
	h.Write([]byte(reference))
	h.Write([]byte(strconv.FormatInt(amountMinorUnits, 10)))
	h.Write([]byte(currency))
	if optionalExpiry != "" {
		h.Write([]byte(optionalExpiry))
	}
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyResult reports the outcome of checksum verification. Derived carries
// the digest this engine computed, which is useful when logging rejections.
type VerifyResult struct {
	Valid   bool
	Derived string
}

// Verify checks the payload-supplied checksum of a raw inbound event against
// the digest derived from the payload's own declared property list. Any
// structural malformation (missing checksum, missing or non-sequence property
// list, unparsable JSON) yields an invalid result rather than an error:
// callers must treat invalid as "reject, do not process", never as a crash.
func Verify(rawPayload []byte, secret string) VerifyResult {
	tree, err := DecodeTree(rawPayload)
	if err != nil {
		return VerifyResult{}
	}

	sig, ok := tree["signature"].(map[string]interface{})
	if !ok {
		return VerifyResult{}
	}
	checksum, ok := sig["checksum"].(string)
	if !ok || strings.TrimSpace(checksum) == "" {
		return VerifyResult{}
	}
	rawProps, ok := sig["properties"].([]interface{})
	if !ok {
		return VerifyResult{}
	}

	data := tree["data"]

	h := sha256.New()
	for _, rawProp := range rawProps {
		prop, ok := rawProp.(string)
		if !ok {
			return VerifyResult{}
		}
		h.Write([]byte(ResolvePath(data, prop)))
	}
	h.Write([]byte(secret))
	derived := hex.EncodeToString(h.Sum(nil))

	provided := strings.ToLower(strings.TrimSpace(checksum))
	valid := subtle.ConstantTimeCompare([]byte(derived), []byte(provided)) == 1
	return VerifyResult{Valid: valid, Derived: derived}
}

// DecodeTree parses raw JSON into a loosely-typed tree. Numbers are kept as
// json.Number so that integral amounts render digit-for-digit identically to
// what the upstream signer hashed.
func DecodeTree(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree map[string]interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// ResolvePath walks a dotted path through maps and arrays and renders the
// scalar it lands on. A missing segment, an out-of-range index, or a
// composite leaf all resolve to the empty string.
func ResolvePath(tree interface{}, path string) string {
	current := tree
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return ""
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return ""
			}
			current = node[idx]
		default:
			return ""
		}
	}
	return renderScalar(current)
}

func renderScalar(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		// Composite leaves are not covered by gateway checksums.
		return ""
	}
}

// CanonicalDigest hashes an arbitrary decoded JSON value in a stable form
// (json.Marshal emits map keys sorted). Used for payload-conflict detection
// between redeliveries that claim the same event identity.
func CanonicalDigest(v interface{}) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		encoded = []byte{}
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
