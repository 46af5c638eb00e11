package ledger

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"
)

func nan() float64 { return math.NaN() }

func TestCanonicalBytes_KeyOrderIndependent(t *testing.T) {
	a := map[string]Value{}
	a["purpose"] = String("payroll")
	a["retention"] = Number(5)
	a["categories"] = List(String("health"), String("contact"))
	a["nested"] = Map(map[string]Value{"z": Bool(true), "a": Null()})

	b := map[string]Value{}
	b["nested"] = Map(map[string]Value{"a": Null(), "z": Bool(true)})
	b["categories"] = List(String("health"), String("contact"))
	b["retention"] = Number(5)
	b["purpose"] = String("payroll")

	ts := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	in1 := HashInput{Timestamp: ts, ActorID: "u1", Action: "update", ResourceType: "rat", ResourceID: "r1", Before: Map(a).Ptr()}
	in2 := HashInput{Timestamp: ts, ActorID: "u1", Action: "update", ResourceType: "rat", ResourceID: "r1", Before: Map(b).Ptr()}

	if !bytes.Equal(CanonicalBytes(in1), CanonicalBytes(in2)) {
		t.Errorf("canonical forms differ:\n%s\n%s", CanonicalBytes(in1), CanonicalBytes(in2))
	}
	if ComputeContentHash(in1, "p") != ComputeContentHash(in2, "p") {
		t.Error("content hashes differ for equal inputs")
	}
}

func TestCanonicalBytes_Layout(t *testing.T) {
	in := HashInput{
		Timestamp:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		ActorID:      "u1",
		Action:       "create",
		ResourceType: "rat",
		ResourceID:   "r1",
		After:        Map(map[string]Value{"name": String("Payroll <HR>")}).Ptr(),
	}
	want := `{"action":"create","actor_id":"u1","after_state":{"name":"Payroll <HR>"},"before_state":null,"resource_id":"r1","resource_type":"rat","timestamp":"2025-01-02T03:04:05Z"}`
	if got := string(CanonicalBytes(in)); got != want {
		t.Errorf("CanonicalBytes() =\n%s\nwant\n%s", got, want)
	}
}

func TestCanonicalBytes_TimestampZoneIndependent(t *testing.T) {
	utc := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	santiago := utc.In(time.FixedZone("CLT", -3*3600))
	a := HashInput{Timestamp: utc, ActorID: "u", Action: "a", ResourceType: "t", ResourceID: "i"}
	b := a
	b.Timestamp = santiago
	if !bytes.Equal(CanonicalBytes(a), CanonicalBytes(b)) {
		t.Error("same instant in different zones serialized differently")
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{math.Copysign(0, -1), "0"},
		{5, "5"},
		{-42, "-42"},
		{1.5, "1.5"},
		{0.1, "0.1"},
		{1e21, "1e+21"},
		{9007199254740992, "9007199254740992"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestValue_JSONRoundTripPreservesHash(t *testing.T) {
	raw := []byte(`{"b":[1,2.5,"x",null,true],"a":{"k":"v"},"n":-3}`)
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"a":{"k":"v"},"b":[1,2.5,"x",null,true],"n":-3}` {
		t.Errorf("Marshal() = %s", out)
	}

	var back Value
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !back.Equal(v) {
		t.Error("round trip changed the value")
	}
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"count": 3,
		"tags":  []string{"a", "b"},
		"ok":    true,
		"none":  nil,
	})
	if err != nil {
		t.Fatalf("FromAny() error = %v", err)
	}
	if v.Kind() != KindMap {
		t.Fatalf("Kind() = %s, want map", v.Kind())
	}
	count, _ := v.Get("count")
	if n, ok := count.AsNumber(); !ok || n != 3 {
		t.Errorf("count = %v", count)
	}
	tags, _ := v.Get("tags")
	if l, ok := tags.AsList(); !ok || len(l) != 2 {
		t.Errorf("tags = %v", tags)
	}

	if _, err := FromAny(struct{}{}); err == nil {
		t.Error("FromAny(struct) should fail")
	}
	if _, err := FromAny(math.Inf(1)); err == nil {
		t.Error("FromAny(+Inf) should fail")
	}
	if _, err := FromAny(map[int]any{1: "x"}); err == nil {
		t.Error("FromAny(map[int]) should fail")
	}
}

func TestValue_MarshalRejectsNonFinite(t *testing.T) {
	if _, err := json.Marshal(List(Number(nan()))); err == nil {
		t.Error("Marshal(NaN) should fail")
	}
}

func TestValue_LargeIntegers(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"amount":12345678901234567890,"rut":9007199254740993}`), &v)
	if err == nil {
		t.Fatalf("Unmarshal() = %s, want error for integers beyond 2^53", mustMarshal(t, v))
	}

	if err := json.Unmarshal([]byte(`{"max":9007199254740992,"min":-9007199254740992,"rate":0.5}`), &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got, want := string(mustMarshal(t, v)), `{"max":9007199254740992,"min":-9007199254740992,"rate":0.5}`; got != want {
		t.Errorf("round trip = %s, want %s", got, want)
	}

	for _, x := range []any{int64(1<<53 + 1), uint64(1 << 60), -(1<<53 + 1)} {
		if _, err := FromAny(x); err == nil {
			t.Errorf("FromAny(%v) should fail", x)
		}
	}
	if _, err := FromAny(int64(1 << 53)); err != nil {
		t.Errorf("FromAny(2^53) error = %v", err)
	}
}

func mustMarshal(t *testing.T, v Value) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return b
}
