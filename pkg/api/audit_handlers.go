package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entityaudit/pkg/audit"
	"github.com/platinummonkey/entityaudit/pkg/contextkeys"
	"github.com/platinummonkey/entityaudit/pkg/httputil"
	"github.com/platinummonkey/entityaudit/pkg/observability"
)

const (
	defaultPageSize   = 100
	exportPageSize    = 1000
	maxRecordBodySize = 8 << 20
)

// AuditHandlers serves the audit repository over HTTP
type AuditHandlers struct {
	repo        audit.Repository
	backend     audit.Backend
	maxParamLen int
	log         *observability.Logger
}

// NewAuditHandlers creates the audit handlers. maxParamLen bounds every query and
// path parameter; <= 0 uses httputil.DefaultQueryParamMaxLength.
func NewAuditHandlers(repo audit.Repository, backend audit.Backend, maxParamLen int, logger *observability.Logger) *AuditHandlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AuditHandlers{
		repo:        repo,
		backend:     backend,
		maxParamLen: maxParamLen,
		log:         logger,
	}
}

// RegisterRoutes registers the audit API routes
func (h *AuditHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/audit/events", h.recordEvents).Methods(http.MethodPost)
	r.HandleFunc("/audit/entities/{id}/events", h.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/audit/entities/{id}/export", h.exportEvents).Methods(http.MethodGet)
	r.HandleFunc("/audit/tag-changes", h.tagChanges).Methods(http.MethodGet)
	r.HandleFunc("/audit/excludes/{type}", h.excludes).Methods(http.MethodGet)
	r.HandleFunc("/audit/info", h.info).Methods(http.MethodGet)
}

// EventInput is one event in a record request. Attributes, when set, replace Details
// with their JSON form after the entity type's excluded attributes are removed.
type EventInput struct {
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type,omitempty"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
	User       string                 `json:"user,omitempty"`
	Action     audit.Action           `json:"action"`
	Details    string                 `json:"details,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Version    audit.SchemaVersion    `json:"version,omitempty"`
}

// RecordEventsRequest is the body of POST /audit/events
type RecordEventsRequest struct {
	BatchID string       `json:"batch_id,omitempty"`
	Events  []EventInput `json:"events"`
}

// RecordEventsResponse lists the keys assigned to the recorded events, in request order.
// A batch ID seen before is acknowledged with Duplicate set and nothing recorded.
type RecordEventsResponse struct {
	Recorded  int      `json:"recorded"`
	EventKeys []string `json:"event_keys"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

// ListEventsResponse is one page of an entity's audit trail
type ListEventsResponse struct {
	EntityID string                    `json:"entity_id"`
	Version  audit.SchemaVersion       `json:"version,omitempty"`
	Events   []*audit.EntityAuditEvent `json:"events"`
	NextKey  string                    `json:"next_key,omitempty"`
}

// TagChangesResponse lists entities with a tag change in a time range
type TagChangesResponse struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Entities []string  `json:"entities"`
}

// ExcludesResponse lists the audit-excluded attributes of an entity type
type ExcludesResponse struct {
	EntityType string   `json:"entity_type"`
	Attributes []string `json:"attributes"`
}

// InfoResponse describes the configured repository
type InfoResponse struct {
	Backend   audit.Backend `json:"backend"`
	MaxSize   int64         `json:"max_size"`
	Unbounded bool          `json:"unbounded"`
}

// logger returns the request-scoped logger when the logging middleware installed one
func (h *AuditHandlers) logger(r *http.Request) *observability.Logger {
	if _, ok := r.Context().Value(contextkeys.LoggerKey).(*observability.Logger); ok {
		return observability.FromContext(r.Context())
	}
	return h.log
}

// validateParams bounds the length of every query and path parameter
func (h *AuditHandlers) validateParams(r *http.Request) error {
	for name, values := range r.URL.Query() {
		for _, v := range values {
			if err := httputil.ValidateQueryParamLength(name, v, h.maxParamLen); err != nil {
				return err
			}
		}
	}
	for name, v := range mux.Vars(r) {
		if err := httputil.ValidateQueryParamLength(name, v, h.maxParamLen); err != nil {
			return err
		}
	}
	return nil
}

// resolveUser returns the calling user, warning when it comes from an unchecked doAs
func (h *AuditHandlers) resolveUser(r *http.Request) string {
	user, source := httputil.ResolveUser(r)
	if source == httputil.UserSourceDoAs {
		h.logger(r).WithField("doAs", user).Warn("Acting on behalf of a doAs user that was not access checked")
	}
	return user
}

// recordEvents handles POST /audit/events
func (h *AuditHandlers) recordEvents(w http.ResponseWriter, r *http.Request) {
	if err := h.validateParams(r); err != nil {
		httputil.WriteAuditError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRecordBodySize)
	var req RecordEventsRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if len(req.Events) == 0 {
		httputil.WriteBadRequest(w, "events must not be empty")
		return
	}

	user := h.resolveUser(r)
	events := make([]*audit.EntityAuditEvent, len(req.Events))
	for i, in := range req.Events {
		e, err := h.buildEvent(in, user)
		if err != nil {
			httputil.WriteBadRequest(w, fmt.Sprintf("event %d: %v", i, err))
			return
		}
		e.BatchID = req.BatchID
		events[i] = e
	}

	if err := h.repo.RecordEvents(r.Context(), events...); err != nil {
		h.logger(r).WithError(err).WithField("events", len(events)).Error("Failed to record audit events")
		httputil.WriteAuditError(w, err)
		return
	}

	if audit.Deduplicated(events) {
		h.logger(r).WithField("batch_id", req.BatchID).Info("Audit batch already recorded")
		_ = httputil.WriteJSON(w, http.StatusOK, RecordEventsResponse{EventKeys: []string{}, Duplicate: true})
		return
	}

	resp := RecordEventsResponse{Recorded: len(events), EventKeys: make([]string, len(events))}
	for i, e := range events {
		resp.EventKeys[i] = e.EventKey
	}
	_ = httputil.WriteJSON(w, http.StatusCreated, resp)
}

func (h *AuditHandlers) buildEvent(in EventInput, user string) (*audit.EntityAuditEvent, error) {
	if in.Action == "" {
		return nil, fmt.Errorf("action is required")
	}

	e := &audit.EntityAuditEvent{
		EntityID:   in.EntityID,
		EntityType: in.EntityType,
		User:       in.User,
		Action:     in.Action,
		Details:    in.Details,
		Version:    in.Version,
	}
	if in.Timestamp != nil {
		e.Timestamp = *in.Timestamp
	}
	if e.User == "" {
		e.User = user
	}

	if in.Attributes != nil {
		pruned := audit.PruneAttributes(in.Attributes, h.repo.GetAuditExcludeAttributes(in.EntityType))
		data, err := json.Marshal(pruned)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attributes: %w", err)
		}
		e.Details = string(data)
		if e.Version == "" {
			e.Version = audit.SchemaV2
		}
	}
	return e, nil
}

// listEvents handles GET /audit/entities/{id}/events?startKey=&count=&version=
func (h *AuditHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if err := h.validateParams(r); err != nil {
		httputil.WriteAuditError(w, err)
		return
	}

	entityID := mux.Vars(r)["id"]
	startKey := r.URL.Query().Get("startKey")
	count, err := httputil.ParseQueryInt(r, "count", defaultPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	version := audit.SchemaVersion(r.URL.Query().Get("version"))
	var events []*audit.EntityAuditEvent
	if version == "" {
		events, err = h.repo.ListEvents(r.Context(), entityID, startKey, count)
	} else {
		events, err = h.repo.ListEventsVersion(r.Context(), entityID, version, startKey, count)
	}
	if err != nil {
		h.logger(r).WithError(err).WithField("entity_id", entityID).Error("Failed to list audit events")
		httputil.WriteAuditError(w, err)
		return
	}

	resp := ListEventsResponse{EntityID: entityID, Version: version, Events: events}
	if count > audit.MaxListCount {
		count = audit.MaxListCount
	}
	if count > 0 && len(events) == count {
		resp.NextKey = events[len(events)-1].EventKey
	}
	_ = httputil.WriteJSON(w, http.StatusOK, resp)
}

// exportEvents handles GET /audit/entities/{id}/export?format=json|csv|ndjson
func (h *AuditHandlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	if err := h.validateParams(r); err != nil {
		httputil.WriteAuditError(w, err)
		return
	}

	entityID := mux.Vars(r)["id"]
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteAuditError(w, err)
		return
	}

	events, err := audit.ReadAll(r.Context(), h.repo, entityID, exportPageSize, 0)
	if err != nil {
		h.logger(r).WithError(err).WithField("entity_id", entityID).Error("Failed to read audit trail for export")
		httputil.WriteAuditError(w, err)
		return
	}

	data, err := audit.Export(events, format)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entityID+"."+string(format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// tagChanges handles GET /audit/tag-changes?from=&to=
func (h *AuditHandlers) tagChanges(w http.ResponseWriter, r *http.Request) {
	if err := h.validateParams(r); err != nil {
		httputil.WriteAuditError(w, err)
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	ids, err := h.repo.GetEntitiesWithTagChanges(r.Context(), from, to)
	if err != nil {
		h.logger(r).WithError(err).Error("Failed to query tag changes")
		httputil.WriteAuditError(w, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, TagChangesResponse{From: from, To: to, Entities: ids})
}

// excludes handles GET /audit/excludes/{type}
func (h *AuditHandlers) excludes(w http.ResponseWriter, r *http.Request) {
	if err := h.validateParams(r); err != nil {
		httputil.WriteAuditError(w, err)
		return
	}

	entityType := mux.Vars(r)["type"]
	_ = httputil.WriteJSON(w, http.StatusOK, ExcludesResponse{
		EntityType: entityType,
		Attributes: h.repo.GetAuditExcludeAttributes(entityType),
	})
}

// info handles GET /audit/info
func (h *AuditHandlers) info(w http.ResponseWriter, r *http.Request) {
	size := h.repo.RepositoryMaxSize()
	_ = httputil.WriteJSON(w, http.StatusOK, InfoResponse{
		Backend:   h.backend,
		MaxSize:   size,
		Unbounded: size == audit.Unbounded,
	})
}

// parseTimeParam accepts epoch milliseconds or an RFC 3339 timestamp
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, fmt.Errorf("missing query parameter: %s", name)
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time for query parameter %s: %s", name, v)
	}
	return t.UTC(), nil
}
