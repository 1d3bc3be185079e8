package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// fieldSeparator delimits the fields folded into the hash input. It is a
// control character that canonical JSON always escapes, so it never
// appears raw in the payload component; ids, types and actor strings are
// not checked for it.
const fieldSeparator = "\x1f"

// CanonicalPayload renders an arbitrary JSON payload with sorted object
// keys and no `null` members, per spec §6. A key whose value is null is
// omitted rather than emitted; a null array element is likewise dropped.
// Numbers that are mathematically integral are rendered without a
// decimal point so the same logical value hashes identically regardless
// of how the source language represented it.
func CanonicalPayload(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("canonical payload: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonicalValue(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeCanonicalValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		// Forbidden in hashed fields; callers omit the enclosing key/element.
		return nil
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case float64:
		buf.WriteString(formatCanonicalNumber(val))
	case json.Number:
		buf.WriteString(val.String())
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []interface{}:
		buf.WriteByte('[')
		first := true
		for _, item := range val {
			if item == nil {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			if err := writeCanonicalValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k, vv := range val {
			if vv != nil {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonicalValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical payload: unsupported value type %T", v)
	}
	return nil
}

func formatCanonicalNumber(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// HashInput is the assembled, field-ordered, pre-hash representation of
// an event, per spec §6's exact field order.
type HashInput struct {
	ID                string
	Sequence          int64
	Timestamp         time.Time
	EventType         string
	AggregateType     string
	AggregateID       string
	AggregateVersion  int64
	PayloadCanonical  string
	ActorCanonical    string
	CausationCanonical string
	PreviousHash      string
}

// Bytes assembles the field-separated hash input exactly in the order
// spec §6 mandates:
// id | sequence | timestamp | event_type | aggregate_type | aggregate_id |
// aggregate_version | payload_canonical | actor_canonical |
// causation_canonical | previous_hash
func (h HashInput) Bytes() []byte {
	fields := []string{
		h.ID,
		strconv.FormatInt(h.Sequence, 10),
		h.Timestamp.UTC().Format(time.RFC3339Nano),
		h.EventType,
		h.AggregateType,
		h.AggregateID,
		strconv.FormatInt(h.AggregateVersion, 10),
		h.PayloadCanonical,
		h.ActorCanonical,
		h.CausationCanonical,
		h.PreviousHash,
	}
	var buf bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			buf.WriteString(fieldSeparator)
		}
		buf.WriteString(f)
	}
	return buf.Bytes()
}

// Hash returns the lower-case hex SHA-256 of the hash input (spec §6).
func Hash(h HashInput) string {
	sum := sha256.Sum256(h.Bytes())
	return hex.EncodeToString(sum[:])
}

// HashInputFor builds a HashInput from a fully-populated Event (used by
// verify-chain / hash recomputation, property I7), excluding the event's
// own recorded Hash itself.
func HashInputFor(e Event) (HashInput, error) {
	payloadCanonical, err := CanonicalPayload(e.Payload)
	if err != nil {
		return HashInput{}, err
	}
	return HashInput{
		ID:                 e.ID,
		Sequence:           e.Sequence,
		Timestamp:          e.Timestamp,
		EventType:          e.Type,
		AggregateType:      e.AggregateType,
		AggregateID:        e.AggregateID,
		AggregateVersion:   e.AggregateVersion,
		PayloadCanonical:   payloadCanonical,
		ActorCanonical:     e.Actor.Canonical(),
		CausationCanonical: e.Causation.Canonical(),
		PreviousHash:       e.PreviousHash,
	}, nil
}

// VerifyHash recomputes hash(e) and compares it against e.Hash (property:
// "for any event e: recompute(hash(e)) == e.hash").
func VerifyHash(e Event) (bool, error) {
	in, err := HashInputFor(e)
	if err != nil {
		return false, err
	}
	return Hash(in) == e.Hash, nil
}

// HashState is the content hash of opaque, caller-owned aggregate state
// (used by the Snapshot Manager to detect a corrupted or mismatched
// snapshot; spec §3, §4.3).
func HashState(state json.RawMessage) (string, error) {
	canon, err := CanonicalPayload(state)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}
