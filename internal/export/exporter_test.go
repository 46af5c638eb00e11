package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/yourorg/lpdp/internal/ledger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedLedger records one event per day starting at 2025-03-01 10:00 UTC.
func seedLedger(t *testing.T, days int) *ledger.Ledger {
	t.Helper()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.NewMemoryStore(),
		ledger.WithLogger(quietLogger()),
		ledger.WithClock(func() time.Time { return now }),
	)
	for i := 0; i < days; i++ {
		_, err := l.RecordEvent(context.Background(), "clinic-a", ledger.EventInput{
			ActorID:      "u1",
			Action:       "update",
			ResourceType: "rat",
			ResourceID:   fmt.Sprintf("r%d", i),
			After:        ledger.Map(map[string]ledger.Value{"day": ledger.Number(float64(i))}).Ptr(),
		})
		if err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
		now = now.Add(24 * time.Hour)
	}
	return l
}

func newTestExporter(l Ledger) (*Exporter, *InMemoryStorage, *URLSigner) {
	signer := NewURLSigner("https://ledger.example/v1/downloads", []byte("secret"))
	storage := NewInMemoryStorage(signer)
	e := NewExporter(l, storage, Config{Bucket: "ledger-exports", SignURLTTL: 10 * time.Minute}, quietLogger())
	return e, storage, signer
}

func date(y int, m time.Month, d int) *openapi_types.Date {
	return &openapi_types.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func TestExport_WritesBundle(t *testing.T) {
	l := seedLedger(t, 5)
	e, storage, signer := newTestExporter(l)
	ctx := context.Background()

	res, err := e.Export(ctx, "clinic-a", "u-auditor", Request{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.EventCount != 5 || !res.Verification.Valid || res.Verification.TotalEvents != 5 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Artifacts) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(res.Artifacts))
	}

	prefix := "ledger-exports/clinic-a/" + res.ExportID.String() + "/"
	var manifest string
	for _, a := range res.Artifacts {
		if !strings.HasPrefix(a.Key, prefix) {
			t.Errorf("key %s not under %s", a.Key, prefix)
		}
		body, _, err := storage.GetObject(ctx, a.Key)
		if err != nil {
			t.Fatalf("GetObject(%s) error = %v", a.Key, err)
		}
		if hashBytes(body) != a.SHA256 || len(body) != a.Size {
			t.Errorf("%s digest/size mismatch", a.Name)
		}
		u, err := url.Parse(a.SignedURL)
		if err != nil {
			t.Fatalf("parse signed URL: %v", err)
		}
		if err := signer.Verify(a.Key, u.Query().Get("exp"), u.Query().Get("sig")); err != nil {
			t.Errorf("signed URL for %s does not verify: %v", a.Name, err)
		}
		if a.Name == HashesFile {
			manifest = string(body)
		}
	}
	for _, a := range res.Artifacts[:2] {
		if !strings.Contains(manifest, a.SHA256+"  "+a.Name) {
			t.Errorf("manifest missing %s:\n%s", a.Name, manifest)
		}
	}

	events, err := l.Events(ctx, "clinic-a", 0, 0)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	last := events[len(events)-1]
	if last.Action != "export" || last.ActorID != "u-auditor" || last.ResourceID != res.ExportID.String() {
		t.Errorf("export event = %+v", last)
	}
}

func TestExport_DateRange(t *testing.T) {
	l := seedLedger(t, 5) // 2025-03-01 .. 2025-03-05
	e, storage, _ := newTestExporter(l)
	ctx := context.Background()

	res, err := e.Export(ctx, "clinic-a", "u1", Request{From: date(2025, 3, 2), To: date(2025, 3, 4)})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.EventCount != 3 {
		t.Errorf("EventCount = %d, want 3", res.EventCount)
	}
	if res.Verification.TotalEvents != 5 {
		t.Errorf("verification covers %d events, want whole chain", res.Verification.TotalEvents)
	}

	body, _, err := storage.GetObject(ctx, res.Artifacts[0].Key)
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	var seqs []int64
	for sc.Scan() {
		var ev ledger.AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		if ev.RecomputeHash() != ev.ContentHash {
			t.Errorf("exported event %d does not hash to its content hash", ev.Sequence)
		}
		seqs = append(seqs, ev.Sequence)
	}
	if fmt.Sprint(seqs) != "[2 3 4]" {
		t.Errorf("exported sequences = %v", seqs)
	}

	if _, err := e.Export(ctx, "clinic-a", "u1", Request{From: date(2025, 3, 4), To: date(2025, 3, 2)}); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("inverted range error = %v, want ErrInvalidRange", err)
	}
}

func TestExport_TamperedChainStillExports(t *testing.T) {
	l := seedLedger(t, 3)
	events, err := l.Events(context.Background(), "clinic-a", 0, 0)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	events[1].ActorID = "mallory"

	e, _, _ := newTestExporter(fakeLedger{events: events})
	res, err := e.Export(context.Background(), "clinic-a", "u1", Request{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Verification.Valid || len(res.Verification.Violations) != 1 {
		t.Errorf("verification = %+v", res.Verification)
	}
}

type fakeLedger struct {
	events []ledger.AuditEvent
}

func (f fakeLedger) Events(context.Context, string, int64, int) ([]ledger.AuditEvent, error) {
	return f.events, nil
}

func (f fakeLedger) RecordEvent(_ context.Context, chainID string, in ledger.EventInput) (ledger.AuditEvent, error) {
	return ledger.AuditEvent{ChainID: chainID, ActorID: in.ActorID}, nil
}

func TestURLSigner(t *testing.T) {
	s := NewURLSigner("https://h/dl/", []byte("k"))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	link, exp := s.Sign("b/c/e/events.jsonl", time.Minute)
	if !strings.HasPrefix(link, "https://h/dl/b/c/e/events.jsonl?") || !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("Sign() = %s, %v", link, exp)
	}
	u, _ := url.Parse(link)
	q := u.Query()

	if err := s.Verify("b/c/e/events.jsonl", q.Get("exp"), q.Get("sig")); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := s.Verify("b/c/e/hashes.txt", q.Get("exp"), q.Get("sig")); !errors.Is(err, ErrBadSignature) {
		t.Errorf("other key error = %v, want ErrBadSignature", err)
	}
	now = now.Add(2 * time.Minute)
	if err := s.Verify("b/c/e/events.jsonl", q.Get("exp"), q.Get("sig")); !errors.Is(err, ErrURLExpired) {
		t.Errorf("expired error = %v, want ErrURLExpired", err)
	}
}

func TestDirStorage(t *testing.T) {
	signer := NewURLSigner("file://exports", []byte("k"))
	s, err := NewDirStorage(t.TempDir(), signer)
	if err != nil {
		t.Fatalf("NewDirStorage() error = %v", err)
	}
	ctx := context.Background()

	if err := s.PutObject(ctx, "b/c/e/verification.json", []byte(`{"valid":true}`), "application/json"); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	body, ct, err := s.GetObject(ctx, "b/c/e/verification.json")
	if err != nil || string(body) != `{"valid":true}` || ct != "application/json" {
		t.Errorf("GetObject() = %s, %s, %v", body, ct, err)
	}
	if _, _, err := s.GetObject(ctx, "b/c/e/missing.txt"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("missing object error = %v", err)
	}
	if err := s.PutObject(ctx, "../escape", nil, ""); err == nil {
		t.Error("PutObject accepted a key outside the root")
	}
	if _, _, err := s.GetSignedURL(ctx, "b/c/e/verification.json", time.Minute); err != nil {
		t.Errorf("GetSignedURL() error = %v", err)
	}
}

// appendingLedger records another event right after every read, as a
// concurrent writer would.
type appendingLedger struct {
	*ledger.Ledger
	t *testing.T
}

func (a appendingLedger) Events(ctx context.Context, chainID string, after int64, limit int) ([]ledger.AuditEvent, error) {
	events, err := a.Ledger.Events(ctx, chainID, after, limit)
	if _, rerr := a.Ledger.RecordEvent(ctx, chainID, ledger.EventInput{
		ActorID: "u2", Action: "update", ResourceType: "rat", ResourceID: "late",
	}); rerr != nil {
		a.t.Fatalf("RecordEvent() error = %v", rerr)
	}
	return events, err
}

func TestExport_ReportMatchesExportedEvents(t *testing.T) {
	l := seedLedger(t, 3)
	e, storage, _ := newTestExporter(appendingLedger{Ledger: l, t: t})
	ctx := context.Background()

	res, err := e.Export(ctx, "clinic-a", "u-auditor", Request{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.EventCount != 3 || res.Verification.TotalEvents != 3 {
		t.Errorf("eventCount = %d, verified = %d, want 3 and 3", res.EventCount, res.Verification.TotalEvents)
	}

	for _, a := range res.Artifacts {
		if a.Name != EventsFile {
			continue
		}
		body, _, err := storage.GetObject(ctx, a.Key)
		if err != nil {
			t.Fatalf("GetObject() error = %v", err)
		}
		if lines := bytes.Count(body, []byte("\n")); lines != res.Verification.TotalEvents {
			t.Errorf("events.jsonl has %d lines, verification covers %d", lines, res.Verification.TotalEvents)
		}
	}
}
