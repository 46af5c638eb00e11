package ledger

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func payroll(name string) *Value {
	return Map(map[string]Value{"name": String(name)}).Ptr()
}

// recordScenario appends the create/update/delete sequence for RAT r1.
func recordScenario(t *testing.T, l *Ledger, chainID string) []AuditEvent {
	t.Helper()
	ctx := context.Background()
	inputs := []EventInput{
		{ActorID: "u1", Action: "create", ResourceType: "rat", ResourceID: "r1", After: payroll("Payroll")},
		{ActorID: "u1", Action: "update", ResourceType: "rat", ResourceID: "r1", Before: payroll("Payroll"), After: payroll("Payroll v2")},
		{ActorID: "u2", Action: "delete", ResourceType: "rat", ResourceID: "r1", Before: payroll("Payroll v2")},
	}
	out := make([]AuditEvent, 0, len(inputs))
	for _, in := range inputs {
		ev, err := l.RecordEvent(ctx, chainID, in)
		if err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestRecordEvent_LinksChain(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))

	events := recordScenario(t, l, "tenant-a")

	if events[0].PreviousHash != "" {
		t.Errorf("first PreviousHash = %q, want empty sentinel", events[0].PreviousHash)
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("events[%d].Sequence = %d, want %d", i, ev.Sequence, i+1)
		}
		if ev.ContentHash != ev.RecomputeHash() {
			t.Errorf("events[%d] content hash not reproducible", i)
		}
		if i > 0 && ev.PreviousHash != events[i-1].ContentHash {
			t.Errorf("events[%d].PreviousHash does not link to predecessor", i)
		}
		if ev.Timestamp.Location() != time.UTC {
			t.Errorf("events[%d].Timestamp not UTC", i)
		}
	}
	if events[2].After != nil {
		t.Error("delete event should have no after state")
	}
}

func TestVerifyChain_ValidAfterAppends(t *testing.T) {
	l := New(NewMemoryStore(), WithClock(fixedClock()))
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := l.RecordEvent(ctx, "tenant-a", EventInput{
			ActorID: "u1", Action: "update", ResourceType: "rat", ResourceID: "r1",
			After: Map(map[string]Value{"rev": Number(float64(i))}).Ptr(),
		})
		if err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
	}

	report, err := l.VerifyChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !report.Valid || report.TotalEvents != 25 || len(report.Violations) != 0 {
		t.Fatalf("report = %+v, want valid chain of 25", report)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	l := New(NewMemoryStore())
	report, err := l.VerifyChain(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !report.Valid || report.TotalEvents != 0 {
		t.Errorf("report = %+v, want valid with zero events", report)
	}
}

func TestVerifyChain_DetectsTamperedState(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	ctx := context.Background()
	recordScenario(t, l, "tenant-a")

	report, err := l.VerifyChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !report.Valid || report.TotalEvents != 3 {
		t.Fatalf("report before tamper = %+v", report)
	}

	// Edit the stored record directly, bypassing the appender.
	store.mu.Lock()
	store.chains["tenant-a"][1].After = payroll("Payroll v3")
	store.mu.Unlock()

	report, err = l.VerifyChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	want := []Violation{{Position: 2, Kind: ViolationContentTamper}}
	if report.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if len(report.Violations) != 1 {
		t.Fatalf("violations = %+v, want exactly one", report.Violations)
	}
	got := report.Violations[0]
	if got.Position != want[0].Position || got.Kind != want[0].Kind {
		t.Errorf("violation = %+v, want %+v", got, want[0])
	}
}

func TestVerifyChain_TamperEachHashedField(t *testing.T) {
	mutations := map[string]func(*AuditEvent){
		"actor":         func(e *AuditEvent) { e.ActorID = "mallory" },
		"action":        func(e *AuditEvent) { e.Action = "read" },
		"resource_type": func(e *AuditEvent) { e.ResourceType = "eipd" },
		"resource_id":   func(e *AuditEvent) { e.ResourceID = "r2" },
		"timestamp":     func(e *AuditEvent) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) },
		"before":        func(e *AuditEvent) { e.Before = nil },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			l := New(store, WithClock(fixedClock()))
			recordScenario(t, l, "c")

			store.mu.Lock()
			mutate(&store.chains["c"][1])
			store.mu.Unlock()

			report, err := l.VerifyChain(context.Background(), "c")
			if err != nil {
				t.Fatalf("VerifyChain() error = %v", err)
			}
			if len(report.Violations) != 1 || report.Violations[0].Kind != ViolationContentTamper || report.Violations[0].Position != 2 {
				t.Errorf("violations = %+v, want one content-tamper at 2", report.Violations)
			}
		})
	}
}

func TestVerifyChain_DetectsReordering(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.RecordEvent(ctx, "c", EventInput{ActorID: "u1", Action: "update", ResourceType: "rat", ResourceID: "r1"}); err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
	}

	// Swap the stored contents of positions 3 and 4 while keeping the positions.
	store.mu.Lock()
	evs := store.chains["c"]
	evs[2], evs[3] = evs[3], evs[2]
	evs[2].Sequence, evs[3].Sequence = 3, 4
	store.mu.Unlock()

	report, err := l.VerifyChain(ctx, "c")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if report.Valid {
		t.Fatal("reordered chain reported valid")
	}
	first := report.Violations[0]
	if first.Kind != ViolationChainLinkage || first.Position != 3 {
		t.Errorf("first violation = %+v, want chain-linkage at 3", first)
	}
	for _, v := range report.Violations {
		if v.Kind == ViolationContentTamper {
			t.Errorf("unexpected content-tamper violation %+v", v)
		}
	}
}

func TestVerifyChain_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	recordScenario(t, l, "c")
	store.mu.Lock()
	store.chains["c"][0].ActorID = "x"
	store.mu.Unlock()

	ctx := context.Background()
	r1, err := l.VerifyChain(ctx, "c")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	r2, err := l.VerifyChain(ctx, "c")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if r1.Valid != r2.Valid || r1.TotalEvents != r2.TotalEvents || !reflect.DeepEqual(r1.Violations, r2.Violations) {
		t.Errorf("reports differ:\n%+v\n%+v", r1, r2)
	}
}

func TestVerifyEvents_SequenceGap(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	events := recordScenario(t, l, "c")

	gapped := []AuditEvent{events[0], events[1], events[2]}
	gapped[2].Sequence = 5
	report := VerifyEvents("c", gapped)
	if report.Valid || len(report.Violations) != 1 || report.Violations[0].Kind != ViolationSequenceGap {
		t.Errorf("report = %+v, want one sequence-gap", report)
	}
}

func TestRecordEvent_ConcurrentAppendsSameChain(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	const m = 64

	var wg sync.WaitGroup
	errs := make(chan error, m)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.RecordEvent(ctx, "shared", EventInput{
				ActorID: "u1", Action: "create", ResourceType: "rat", ResourceID: "r",
				After: Map(map[string]Value{"i": Number(float64(i))}).Ptr(),
			})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	report, err := l.VerifyChain(ctx, "shared")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !report.Valid || report.TotalEvents != m {
		t.Errorf("report = %+v, want valid chain of %d", report, m)
	}
	if n := l.locks.size(); n != 0 {
		t.Errorf("chain locks retained = %d, want 0", n)
	}
}

func TestRecordEvent_ChainsAreIndependent(t *testing.T) {
	l := New(NewMemoryStore(), WithClock(fixedClock()))
	a := recordScenario(t, l, "tenant-a")
	b := recordScenario(t, l, "tenant-b")

	if b[0].PreviousHash != "" || b[0].Sequence != 1 {
		t.Errorf("tenant-b first event = %+v, want fresh chain", b[0])
	}
	if a[2].ContentHash == b[0].PreviousHash {
		t.Error("tenant-b linked to tenant-a head")
	}

	reports, err := l.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want 2", len(reports))
	}
	for _, r := range reports {
		if !r.Valid || r.TotalEvents != 3 {
			t.Errorf("report %s = %+v", r.ChainID, r)
		}
	}
}

func TestRecordEvent_Validation(t *testing.T) {
	l := New(NewMemoryStore())
	base := EventInput{ActorID: "u1", Action: "create", ResourceType: "rat", ResourceID: "r1"}
	tests := []struct {
		name    string
		chainID string
		mutate  func(*EventInput)
		field   string
	}{
		{"missing chain", "", func(*EventInput) {}, "chain_id"},
		{"missing actor", "c", func(in *EventInput) { in.ActorID = "" }, "actor_id"},
		{"blank action", "c", func(in *EventInput) { in.Action = "  " }, "action"},
		{"missing resource type", "c", func(in *EventInput) { in.ResourceType = "" }, "resource_type"},
		{"missing resource id", "c", func(in *EventInput) { in.ResourceID = "" }, "resource_id"},
		{"bad after", "c", func(in *EventInput) { in.After = Number(nan()).Ptr() }, "after_state"},
		{"invalid utf8 actor", "c", func(in *EventInput) { in.ActorID = "u\xff" }, "actor_id"},
		{"invalid utf8 resource id", "c", func(in *EventInput) { in.ResourceID = "r\xfe" }, "resource_id"},
		{"invalid utf8 state string", "c", func(in *EventInput) {
			in.Before = Map(map[string]Value{"name": String("Jos\xe9")}).Ptr()
		}, "before_state"},
		{"invalid utf8 state key", "c", func(in *EventInput) {
			in.After = Map(map[string]Value{"n\xffme": String("x")}).Ptr()
		}, "after_state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := l.RecordEvent(context.Background(), tt.chainID, in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %s, want %s", verr.Field, tt.field)
			}
		})
	}
	if ids, _ := l.Chains(context.Background()); len(ids) != 0 {
		t.Errorf("chains after rejected input = %v", ids)
	}
}

type failingStore struct {
	*MemoryStore
	failAppend error
	failRead   error
}

func (s *failingStore) Append(ctx context.Context, chainID string, ev AuditEvent) (AuditEvent, error) {
	if s.failAppend != nil {
		return AuditEvent{}, s.failAppend
	}
	return s.MemoryStore.Append(ctx, chainID, ev)
}

func (s *failingStore) ReadAll(ctx context.Context, chainID string) ([]AuditEvent, error) {
	if s.failRead != nil {
		return nil, s.failRead
	}
	return s.MemoryStore.ReadAll(ctx, chainID)
}

func TestRecordEvent_PersistenceFailureLeavesChainUnchanged(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	l := New(store, WithClock(fixedClock()))
	recordScenario(t, l, "c")
	head, _ := store.LatestHash(context.Background(), "c")

	store.failAppend = errors.New("disk full")
	_, err := l.RecordEvent(context.Background(), "c", EventInput{ActorID: "u1", Action: "update", ResourceType: "rat", ResourceID: "r1"})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want PersistenceError", err)
	}

	after, _ := store.LatestHash(context.Background(), "c")
	if after != head {
		t.Error("chain head moved after failed append")
	}

	store.failAppend = nil
	ev, err := l.RecordEvent(context.Background(), "c", EventInput{ActorID: "u1", Action: "update", ResourceType: "rat", ResourceID: "r1"})
	if err != nil {
		t.Fatalf("retry RecordEvent() error = %v", err)
	}
	if ev.Sequence != 4 || ev.PreviousHash != head {
		t.Errorf("retried event = %+v, want sequence 4 linked to head", ev)
	}
}

func TestRecordEvent_StoreConflict(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failAppend: ErrChainConflict}
	l := New(store)
	_, err := l.RecordEvent(context.Background(), "c", EventInput{ActorID: "u1", Action: "create", ResourceType: "rat", ResourceID: "r1"})
	if !errors.Is(err, ErrChainConflict) {
		t.Errorf("error = %v, want ErrChainConflict", err)
	}
}

func TestVerifyChain_ReadFailure(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failRead: errors.New("connection reset")}
	l := New(store)
	_, err := l.VerifyChain(context.Background(), "c")
	var rerr *StorageReadError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, want StorageReadError", err)
	}
}

func TestRecordEvent_CancelledWhileWaiting(t *testing.T) {
	l := New(NewMemoryStore())
	unlock, err := l.locks.lock(context.Background(), "c")
	if err != nil {
		t.Fatalf("lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.RecordEvent(ctx, "c", EventInput{ActorID: "u1", Action: "create", ResourceType: "rat", ResourceID: "r1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	unlock()

	events, _ := l.Events(context.Background(), "c", 0, 0)
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []AuditEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func TestRecordEvent_Publishes(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	l := New(NewMemoryStore(), WithPublisher(pub))
	ev, err := l.RecordEvent(context.Background(), "c", EventInput{ActorID: "u1", Action: "create", ResourceType: "rat", ResourceID: "r1"})
	if err != nil {
		t.Fatalf("RecordEvent() error = %v (publish failures must not fail the append)", err)
	}
	if len(pub.events) != 1 || pub.events[0].ContentHash != ev.ContentHash {
		t.Errorf("published = %+v", pub.events)
	}
}

func TestEvents_Paging(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if _, err := l.RecordEvent(ctx, "c", EventInput{ActorID: "u1", Action: "create", ResourceType: "rat", ResourceID: "r"}); err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
	}
	page, err := l.Events(ctx, "c", 3, 2)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(page) != 2 || page[0].Sequence != 4 || page[1].Sequence != 5 {
		t.Errorf("page = %+v", page)
	}
}
