// Package export writes auditor bundles for a tenant chain: the events, the
// verification report and a SHA-256 manifest, stored under
// <bucket>/<chain>/<exportId>/ and served through signed links.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/yourorg/lpdp/internal/ledger"
)

const (
	EventsFile       = "events.jsonl"
	VerificationFile = "verification.json"
	HashesFile       = "hashes.txt"

	// ResourceType tags the ledger event written for every export.
	ResourceType = "ledger_export"
)

// ErrInvalidRange is returned when from is after to.
var ErrInvalidRange = errors.New("export: from must not be after to")

// Ledger is the slice of *ledger.Ledger the exporter reads and records with.
type Ledger interface {
	Events(ctx context.Context, chainID string, after int64, limit int) ([]ledger.AuditEvent, error)
	RecordEvent(ctx context.Context, chainID string, in ledger.EventInput) (ledger.AuditEvent, error)
}

type Config struct {
	Bucket        string
	SignURLTTL    time.Duration
	MaxConcurrent int
}

// Request limits the exported events to calendar days in UTC, both ends
// inclusive. Nil bounds are open.
type Request struct {
	From *openapi_types.Date `json:"from,omitempty"`
	To   *openapi_types.Date `json:"to,omitempty"`
}

type Artifact struct {
	Name      string `json:"name"`
	Key       string `json:"key"`
	SHA256    string `json:"sha256"`
	Size      int    `json:"size"`
	SignedURL string `json:"signedUrl"`
}

type Result struct {
	ExportID     openapi_types.UUID        `json:"exportId"`
	ChainID      string                    `json:"chainId"`
	EventCount   int                       `json:"eventCount"`
	Artifacts    []Artifact                `json:"artifacts"`
	ExpiresAt    time.Time                 `json:"expiresAt"`
	Verification ledger.VerificationReport `json:"verification"`
}

type Exporter struct {
	ledger  Ledger
	storage Storage
	cfg     Config
	slots   chan struct{}
	logger  *slog.Logger
}

func NewExporter(l Ledger, storage Storage, cfg Config, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	return &Exporter{
		ledger:  l,
		storage: storage,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		logger:  logger,
	}
}

// Export bundles chainID for actorID. The verification report always covers
// the whole chain; the date range only filters events.jsonl. The export is
// itself recorded in the chain once the bundle is stored.
func (e *Exporter) Export(ctx context.Context, chainID, actorID string, req Request) (Result, error) {
	if req.From != nil && req.To != nil && req.From.Time.After(req.To.Time) {
		return Result{}, ErrInvalidRange
	}

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	// One read feeds both the report and events.jsonl.
	all, err := e.ledger.Events(ctx, chainID, 0, 0)
	if err != nil {
		return Result{}, err
	}
	report := ledger.VerifyEvents(chainID, all)
	report.VerifiedAt = time.Now().UTC()
	events := filterByDate(all, req)

	exportID := uuid.New()
	res := Result{
		ExportID:     exportID,
		ChainID:      chainID,
		EventCount:   len(events),
		Verification: report,
	}

	artifacts, err := e.persistArtifacts(ctx, chainID, exportID, events, report)
	if err != nil {
		return Result{}, err
	}
	for i := range artifacts {
		u, exp, err := e.storage.GetSignedURL(ctx, artifacts[i].Key, e.cfg.SignURLTTL)
		if err != nil {
			return Result{}, fmt.Errorf("export: sign %s: %w", artifacts[i].Name, err)
		}
		artifacts[i].SignedURL = u
		res.ExpiresAt = exp
	}
	res.Artifacts = artifacts

	if _, err := e.ledger.RecordEvent(ctx, chainID, ledger.EventInput{
		ActorID:      actorID,
		Action:       "export",
		ResourceType: ResourceType,
		ResourceID:   exportID.String(),
		After:        exportState(req, res),
	}); err != nil {
		return Result{}, err
	}

	e.logger.Info("ledger export written",
		slog.String("chainId", chainID),
		slog.String("exportId", exportID.String()),
		slog.Int("eventCount", len(events)),
		slog.Bool("chainValid", report.Valid),
	)
	return res, nil
}

func (e *Exporter) persistArtifacts(ctx context.Context, chainID string, exportID uuid.UUID, events []ledger.AuditEvent, report ledger.VerificationReport) ([]Artifact, error) {
	var lines bytes.Buffer
	enc := json.NewEncoder(&lines)
	enc.SetEscapeHTML(false)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("export: encode event %d: %w", ev.Sequence, err)
		}
	}
	verification, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode report: %w", err)
	}

	objects := []struct {
		name string
		body []byte
		ct   string
	}{
		{EventsFile, lines.Bytes(), "application/x-ndjson"},
		{VerificationFile, verification, "application/json"},
	}
	var manifest bytes.Buffer
	artifacts := make([]Artifact, 0, len(objects)+1)
	for _, obj := range objects {
		sum := hashBytes(obj.body)
		fmt.Fprintf(&manifest, "%s  %s\n", sum, obj.name)
		artifacts = append(artifacts, Artifact{
			Name:   obj.name,
			Key:    e.objectKey(chainID, exportID, obj.name),
			SHA256: sum,
			Size:   len(obj.body),
		})
	}
	objects = append(objects, struct {
		name string
		body []byte
		ct   string
	}{HashesFile, manifest.Bytes(), "text/plain; charset=utf-8"})
	artifacts = append(artifacts, Artifact{
		Name:   HashesFile,
		Key:    e.objectKey(chainID, exportID, HashesFile),
		SHA256: hashBytes(manifest.Bytes()),
		Size:   manifest.Len(),
	})

	for i, obj := range objects {
		if err := e.storage.PutObject(ctx, artifacts[i].Key, obj.body, obj.ct); err != nil {
			return nil, fmt.Errorf("export: put %s: %w", obj.name, err)
		}
	}
	return artifacts, nil
}

func (e *Exporter) objectKey(chainID string, exportID uuid.UUID, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", e.cfg.Bucket, chainID, exportID, name)
}

func filterByDate(events []ledger.AuditEvent, req Request) []ledger.AuditEvent {
	if req.From == nil && req.To == nil {
		return events
	}
	out := make([]ledger.AuditEvent, 0, len(events))
	for _, ev := range events {
		day := ev.Timestamp.UTC().Truncate(24 * time.Hour)
		if req.From != nil && day.Before(dayOf(req.From)) {
			continue
		}
		if req.To != nil && day.After(dayOf(req.To)) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func dayOf(d *openapi_types.Date) time.Time {
	y, m, dd := d.Time.Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

func exportState(req Request, res Result) *ledger.Value {
	m := map[string]ledger.Value{
		"from":       ledger.Null(),
		"to":         ledger.Null(),
		"eventCount": ledger.Number(float64(res.EventCount)),
		"chainValid": ledger.Bool(res.Verification.Valid),
	}
	if req.From != nil {
		m["from"] = ledger.String(req.From.String())
	}
	if req.To != nil {
		m["to"] = ledger.String(req.To.String())
	}
	for _, a := range res.Artifacts {
		if a.Name == HashesFile {
			m["manifestSha256"] = ledger.String(a.SHA256)
		}
	}
	return ledger.Map(m).Ptr()
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
