// Package httpapi implements the synchronous control surface consumed by the
// dashboards: session snapshots, summary history, and on-demand analytics.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voicedesk/mediator/pkg/mediator/analytics"
	"github.com/voicedesk/mediator/pkg/mediator/session"
	"github.com/voicedesk/mediator/pkg/mediator/store"
)

// SessionHandle is the per-session read surface served by its loop.
type SessionHandle interface {
	Snapshot() (session.Snapshot, bool)
	Transcript() ([]session.TranscriptEntry, bool)
}

// Directory is the manager's read surface.
type Directory interface {
	Snapshots() []session.Snapshot
	Lookup(sessionID string) SessionHandle
	Count() int
}

// SummaryReader is the store's read surface; nil when persistence is off.
type SummaryReader interface {
	List(ctx context.Context, f store.ListFilter) ([]store.SummaryRecord, store.Stats, error)
	Get(ctx context.Context, sessionID string) (store.SummaryRecord, bool, error)
}

// Analyzer exposes the on-demand collaborator calls.
type Analyzer interface {
	Analyze(ctx context.Context, transcript []analytics.Entry) (analytics.AnalysisResult, error)
	Coach(ctx context.Context, utterance string, recent []analytics.Entry) (analytics.CoachingResult, error)
	Summarize(ctx context.Context, transcript []analytics.Entry) (analytics.SummaryResult, error)
	InsightsFor(sessionID string) (analytics.Insights, bool)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ---------------------------------------------------------------------------

type SessionsHandler struct {
	Directory Directory
	Logger    *slog.Logger
}

// List serves GET /sessions.
func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Directory.Snapshots())
}

// Get serves GET /sessions/{id} with the ordered transcript.
func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	loop := h.Directory.Lookup(id)
	if loop == nil {
		writeError(w, http.StatusNotFound, "sessionNotFound")
		return
	}
	snap, ok := loop.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "sessionNotFound")
		return
	}
	transcript, _ := loop.Transcript()
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    snap,
		"transcript": transcript,
	})
}

// ---------------------------------------------------------------------------

type SummariesHandler struct {
	Summaries SummaryReader
	Logger    *slog.Logger
}

// List serves GET /summaries with paging, filters, and aggregate stats.
func (h SummariesHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.Summaries == nil {
		writeError(w, http.StatusServiceUnavailable, "summary store disabled")
		return
	}
	q := r.URL.Query()
	filter := store.ListFilter{
		Limit:      atoiOr(q.Get("limit"), 50),
		Offset:     atoiOr(q.Get("offset"), 0),
		Sentiment:  q.Get("sentiment"),
		Intent:     q.Get("intent"),
		Resolution: q.Get("resolution"),
		SortBy:     q.Get("sortBy"),
		SortOrder:  q.Get("sortOrder"),
	}
	records, stats, err := h.Summaries.List(r.Context(), filter)
	if err != nil {
		h.Logger.Error("summary list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "summary query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summaries": records,
		"stats":     stats,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

// Get serves GET /summary/{id}.
func (h SummariesHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Summaries == nil {
		writeError(w, http.StatusServiceUnavailable, "summary store disabled")
		return
	}
	rec, found, err := h.Summaries.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.Logger.Error("summary get failed", "err", err)
		writeError(w, http.StatusInternalServerError, "summary query failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "summaryNotFound")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---------------------------------------------------------------------------

type AnalyticsHandler struct {
	Directory Directory
	Analyzer  Analyzer
	Timeout   time.Duration
	Logger    *slog.Logger
}

func (h AnalyticsHandler) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return 10 * time.Second
}

type coachingRequest struct {
	SessionID       string `json:"sessionId"`
	CustomerMessage string `json:"customerMessage"`
}

// Coaching serves POST /coaching for an active session.
func (h AnalyticsHandler) Coaching(w http.ResponseWriter, r *http.Request) {
	var req coachingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	loop := h.Directory.Lookup(req.SessionID)
	if loop == nil {
		writeError(w, http.StatusNotFound, "sessionNotFound")
		return
	}
	transcript, _ := loop.Transcript()
	recent := lastEntries(transcript, 5)
	utterance := req.CustomerMessage
	if strings.TrimSpace(utterance) == "" && len(transcript) > 0 {
		utterance = transcript[len(transcript)-1].Content
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	res, err := h.Analyzer.Coach(ctx, utterance, recent)
	if err != nil {
		h.Logger.Warn("coaching request failed", "session_id", req.SessionID, "err", err)
		writeError(w, http.StatusBadGateway, "coaching unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

// Analyze serves POST /analyze.
func (h AnalyticsHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	loop := h.Directory.Lookup(req.SessionID)
	if loop == nil {
		writeError(w, http.StatusNotFound, "sessionNotFound")
		return
	}
	transcript, _ := loop.Transcript()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	res, err := h.Analyzer.Analyze(ctx, toEntries(transcript))
	if err != nil {
		h.Logger.Warn("analyze request failed", "session_id", req.SessionID, "err", err)
		writeError(w, http.StatusBadGateway, "analysis unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Summary serves POST /summary: an on-demand summary of a live session.
func (h AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	loop := h.Directory.Lookup(req.SessionID)
	if loop == nil {
		writeError(w, http.StatusNotFound, "sessionNotFound")
		return
	}
	transcript, _ := loop.Transcript()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	res, err := h.Analyzer.Summarize(ctx, toEntries(transcript))
	if err != nil {
		h.Logger.Warn("summary request failed", "session_id", req.SessionID, "err", err)
		writeJSON(w, http.StatusOK, analytics.NeutralSummary())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Insights serves GET /insights/{id}: the cached analysis/coaching payloads.
func (h AnalyticsHandler) Insights(w http.ResponseWriter, r *http.Request) {
	ins, ok := h.Analyzer.InsightsFor(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "sessionNotFound")
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

// ---------------------------------------------------------------------------

type HealthHandler struct {
	Directory Directory
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"activeSessions": h.Directory.Count(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

type ReadyHandler struct {
	IsDraining func() bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.IsDraining != nil && h.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "draining": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---------------------------------------------------------------------------

func atoiOr(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func lastEntries(entries []session.TranscriptEntry, n int) []analytics.Entry {
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return toEntries(entries)
}

func toEntries(entries []session.TranscriptEntry) []analytics.Entry {
	out := make([]analytics.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, analytics.Entry{Role: string(e.Role), Content: e.Content})
	}
	return out
}
