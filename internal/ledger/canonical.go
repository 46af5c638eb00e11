package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"
)

// TimestampLayout is the hashed text form of AuditEvent.Timestamp.
const TimestampLayout = time.RFC3339Nano

// maxExactInt bounds the integers a float64 represents exactly.
const maxExactInt = 1 << 53

// HashInput is the tuple covered by an event's content hash.
type HashInput struct {
	Timestamp    time.Time
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Before       *Value
	After        *Value
}

// CanonicalBytes serializes in as a JSON object with sorted keys and no
// insignificant whitespace. Absent states encode as null.
func CanonicalBytes(in HashInput) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeKey(&buf, "action", true)
	writeString(&buf, in.Action)
	writeKey(&buf, "actor_id", false)
	writeString(&buf, in.ActorID)
	writeKey(&buf, "after_state", false)
	writeOptional(&buf, in.After)
	writeKey(&buf, "before_state", false)
	writeOptional(&buf, in.Before)
	writeKey(&buf, "resource_id", false)
	writeString(&buf, in.ResourceID)
	writeKey(&buf, "resource_type", false)
	writeString(&buf, in.ResourceType)
	writeKey(&buf, "timestamp", false)
	writeString(&buf, in.Timestamp.UTC().Format(TimestampLayout))
	buf.WriteByte('}')
	return buf.Bytes()
}

// ComputeContentHash returns hex(SHA-256(canonical(in) ++ previousHash)).
func ComputeContentHash(in HashInput, previousHash string) string {
	h := sha256.New()
	h.Write(CanonicalBytes(in))
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

func writeKey(buf *bytes.Buffer, key string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	writeString(buf, key)
	buf.WriteByte(':')
}

func writeOptional(buf *bytes.Buffer, v *Value) {
	if v == nil {
		buf.WriteString("null")
		return
	}
	writeCanonical(buf, *v)
}

func writeCanonical(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(formatNumber(v.n))
	case KindString:
		writeString(buf, v.s)
	case KindList:
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			writeKey(buf, k, i == 0)
			writeCanonical(buf, v.m[k])
		}
		buf.WriteByte('}')
	}
}

func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encode terminates with a newline.
	buf.Truncate(buf.Len() - 1)
}
