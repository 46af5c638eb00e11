package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"github.com/yourorg/lpdp/internal/auth"
	"github.com/yourorg/lpdp/internal/export"
	"github.com/yourorg/lpdp/internal/ledger"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("empty body")

// recordEvent handles POST /v1/events.
func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request) {
	corrID := auth.CorrelationID(r)
	tenant, actor, ok := caller(w, r, corrID)
	if !ok {
		return
	}
	log := CorrelationLogger(s.logger, corrID, tenant.ID)

	var req RecordEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidation(w, corrID, ValidationErrorItem{Code: "BAD_JSON", Path: "body", Message: err.Error()})
		return
	}
	if _, known := s.actions[req.Action]; !known && req.Action != "" {
		writeValidation(w, corrID, ValidationErrorItem{
			Code:    "LEDGER-ACTION",
			Path:    "action",
			Message: fmt.Sprintf("action %q is not in the allowed vocabulary", req.Action),
		})
		return
	}

	ev, err := s.ledger.RecordEvent(r.Context(), tenant.ID, ledger.EventInput{
		ActorID:      actor.ID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Before:       req.Before,
		After:        req.After,
	})
	if err != nil {
		s.writeLedgerError(w, log, corrID, err)
		return
	}
	location := fmt.Sprintf("/v1/events?after=%d&limit=1", ev.Sequence-1)
	writeJSON(w, http.StatusCreated, corrID, ev, map[string]string{"Location": location})
}

// listEvents handles GET /v1/events?after=&limit=.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	corrID := auth.CorrelationID(r)
	tenant, _, ok := caller(w, r, corrID)
	if !ok {
		return
	}
	log := CorrelationLogger(s.logger, corrID, tenant.ID)

	var after *int64
	var limit *int
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "after", query, &after); err != nil {
		writeValidation(w, corrID, ValidationErrorItem{Code: "BAD_PARAM", Path: "after", Message: err.Error()})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		writeValidation(w, corrID, ValidationErrorItem{Code: "BAD_PARAM", Path: "limit", Message: err.Error()})
		return
	}

	from := int64(0)
	if after != nil {
		if *after < 0 {
			writeValidation(w, corrID, ValidationErrorItem{Code: "BAD_PARAM", Path: "after", Message: "after must not be negative"})
			return
		}
		from = *after
	}
	size := defaultPageSize
	if limit != nil {
		if *limit <= 0 || *limit > s.maxPage {
			writeValidation(w, corrID, ValidationErrorItem{
				Code:    "BAD_PARAM",
				Path:    "limit",
				Message: fmt.Sprintf("limit must be between 1 and %d", s.maxPage),
			})
			return
		}
		size = *limit
	}

	events, err := s.ledger.Events(r.Context(), tenant.ID, from, size)
	if err != nil {
		s.writeLedgerError(w, log, corrID, err)
		return
	}
	page := EventPage{ChainID: tenant.ID, Events: events}
	if page.Events == nil {
		page.Events = []ledger.AuditEvent{}
	}
	if len(events) == size {
		next := events[len(events)-1].Sequence
		page.NextAfter = &next
	}
	writeJSON(w, http.StatusOK, corrID, page, nil)
}

// verify handles GET /v1/verify for the caller's chain.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	corrID := auth.CorrelationID(r)
	tenant, actor, ok := caller(w, r, corrID)
	if !ok {
		return
	}
	log := CorrelationLogger(s.logger, corrID, tenant.ID)

	report, err := s.ledger.VerifyChain(r.Context(), tenant.ID)
	if err != nil {
		s.writeLedgerError(w, log, corrID, err)
		return
	}
	log.Info("chain verified",
		slog.String("actorId", actor.ID),
		slog.Bool("valid", report.Valid),
		slog.Int("totalEvents", report.TotalEvents),
	)
	writeJSON(w, http.StatusOK, corrID, report, nil)
}

// createExport handles POST /v1/exports.
func (s *Server) createExport(w http.ResponseWriter, r *http.Request) {
	corrID := auth.CorrelationID(r)
	tenant, actor, ok := caller(w, r, corrID)
	if !ok {
		return
	}
	log := CorrelationLogger(s.logger, corrID, tenant.ID)

	var req export.Request
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeValidation(w, corrID, ValidationErrorItem{Code: "BAD_JSON", Path: "body", Message: err.Error()})
		return
	}
	res, err := s.exporter.Export(r.Context(), tenant.ID, actor.ID, req)
	if errors.Is(err, export.ErrInvalidRange) {
		writeValidation(w, corrID, ValidationErrorItem{Code: "EXPORT-RANGE", Path: "to", Message: "to must be on or after from"})
		return
	}
	if err != nil {
		s.writeLedgerError(w, log, corrID, err)
		return
	}
	writeJSON(w, http.StatusCreated, corrID, res, nil)
}

// download serves an export artifact to the holder of a valid signed link.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	corrID := auth.CorrelationID(r)
	key := chi.URLParam(r, "*")
	q := r.URL.Query()

	switch err := s.signer.Verify(key, q.Get("exp"), q.Get("sig")); {
	case errors.Is(err, export.ErrURLExpired):
		writeError(w, http.StatusGone, corrID, "LINK_EXPIRED", "download link has expired", false)
		return
	case err != nil:
		writeError(w, http.StatusForbidden, corrID, "BAD_SIGNATURE", "download link is not valid", false)
		return
	}

	body, contentType, err := s.downloads.GetObject(r.Context(), key)
	if errors.Is(err, export.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, corrID, "NOT_FOUND", "export artifact not found", false)
		return
	}
	if err != nil {
		s.logger.Error("read export artifact", slog.String("corrId", corrID), slog.String("key", key), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, corrID, "INTERNAL_ERROR", "failed to read export artifact", true)
		return
	}
	name := key[strings.LastIndex(key, "/")+1:]
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set(auth.CorrelationHeader, corrID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeLedgerError maps the ledger error taxonomy onto HTTP statuses.
func (s *Server) writeLedgerError(w http.ResponseWriter, log *slog.Logger, corrID string, err error) {
	var verr *ledger.ValidationError
	var rerr *ledger.StorageReadError
	var perr *ledger.PersistenceError

	switch {
	case errors.As(err, &verr):
		writeValidation(w, corrID, ValidationErrorItem{Code: "LEDGER-FIELD", Path: verr.Field, Message: verr.Reason})
	case errors.Is(err, ledger.ErrChainConflict):
		log.Warn("ledger append conflict", slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, corrID, "CHAIN_CONFLICT", "chain head moved; retry the request", true)
	case errors.As(err, &rerr):
		log.Error("ledger read failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, corrID, "STORAGE_UNAVAILABLE", "ledger storage could not be read", true)
	case errors.As(err, &perr):
		log.Error("ledger write failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, corrID, "PERSISTENCE_FAILED", "event was not recorded", true)
	default:
		log.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, corrID, "INTERNAL_ERROR", "internal error", true)
	}
}

func caller(w http.ResponseWriter, r *http.Request, corrID string) (*auth.Tenant, *auth.Actor, bool) {
	tenant, ok := auth.TenantFromContext(r.Context())
	actor, ok2 := auth.ActorFromContext(r.Context())
	if !ok || !ok2 {
		writeError(w, http.StatusUnauthorized, corrID, "AUTH_REQUIRED", "Authentication required", false)
		return nil, nil, false
	}
	return tenant, actor, true
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}
