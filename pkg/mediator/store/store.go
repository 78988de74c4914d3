// Package store persists post-call summary records to Postgres. All writes
// funnel through a single Writer task; reads serve the history endpoints.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SummaryRecord is one persisted row per ended session.
type SummaryRecord struct {
	SessionID               string          `json:"sessionId"`
	CreatedAt               time.Time       `json:"createdAt"`
	EndedAt                 time.Time       `json:"endedAt"`
	DurationSeconds         float64         `json:"duration"`
	Sentiment               string          `json:"sentiment"`
	Intent                  string          `json:"intent"`
	ResolutionStatus        string          `json:"resolutionStatus"`
	KeyTopics               json.RawMessage `json:"keyTopics,omitempty"`
	ActionItems             json.RawMessage `json:"actionItems,omitempty"`
	FrustrationAvg          float64         `json:"frustrationAvg"`
	FrustrationMax          float64         `json:"frustrationMax"`
	FrustrationTrend        string          `json:"frustrationTrend,omitempty"`
	EscalationCount         int             `json:"escalationCount"`
	EscalationAlerts        json.RawMessage `json:"escalationAlerts,omitempty"`
	SupervisorInterventions int             `json:"supervisorInterventions"`
	SupervisorID            string          `json:"supervisorId,omitempty"`
	SupervisorTakeoverSecs  float64         `json:"supervisorTakeoverDuration"`
	FullSummary             string          `json:"fullSummary,omitempty"`
	Insights                string          `json:"insights,omitempty"`
	Transcript              json.RawMessage `json:"transcript,omitempty"`
	FirstMessageAt          *time.Time      `json:"firstMessageAt,omitempty"`
	LastMessageAt           *time.Time      `json:"lastMessageAt,omitempty"`
}

// ListFilter selects and pages the summary history.
type ListFilter struct {
	Limit      int
	Offset     int
	Sentiment  string
	Intent     string
	Resolution string
	SortBy     string // createdAt | duration | frustrationMax
	SortOrder  string // asc | desc
}

// Stats aggregates over the whole summaries table.
type Stats struct {
	TotalCalls        int     `json:"totalCalls"`
	AvgDuration       float64 `json:"avgDuration"`
	AvgFrustration    float64 `json:"avgFrustration"`
	EscalatedCalls    int     `json:"escalatedCalls"`
	InterventionCalls int     `json:"interventionCalls"`
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open summary store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping summary store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(databaseURL string) error {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	db := stdlib.OpenDB(*cfg)
	defer func() {
		_ = db.Close()
	}()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Insert writes one summary row. The sessionId UNIQUE constraint makes a
// duplicate end-of-call write a no-op.
func (s *Store) Insert(ctx context.Context, rec SummaryRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_summaries (
			session_id, created_at, ended_at, duration_seconds,
			sentiment, intent, resolution_status,
			key_topics, action_items,
			frustration_avg, frustration_max, frustration_trend,
			escalation_count, escalation_alerts,
			supervisor_interventions, supervisor_id, supervisor_takeover_seconds,
			full_summary, insights, transcript,
			first_message_at, last_message_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.CreatedAt, rec.EndedAt, rec.DurationSeconds,
		rec.Sentiment, rec.Intent, rec.ResolutionStatus,
		nullableJSON(rec.KeyTopics), nullableJSON(rec.ActionItems),
		rec.FrustrationAvg, rec.FrustrationMax, rec.FrustrationTrend,
		rec.EscalationCount, nullableJSON(rec.EscalationAlerts),
		rec.SupervisorInterventions, nullString(rec.SupervisorID), rec.SupervisorTakeoverSecs,
		rec.FullSummary, rec.Insights, nullableJSON(rec.Transcript),
		rec.FirstMessageAt, rec.LastMessageAt,
	)
	if err != nil {
		return fmt.Errorf("insert summary %s: %w", rec.SessionID, err)
	}
	return nil
}

var sortColumns = map[string]string{
	"createdAt":      "created_at",
	"duration":       "duration_seconds",
	"frustrationMax": "frustration_max",
}

// List returns a page of summaries plus aggregate stats over the full table.
func (s *Store) List(ctx context.Context, f ListFilter) ([]SummaryRecord, Stats, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	orderCol, ok := sortColumns[f.SortBy]
	if !ok {
		orderCol = "created_at"
	}
	orderDir := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		orderDir = "ASC"
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	addFilter := func(col, val string) {
		if strings.TrimSpace(val) == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	addFilter("sentiment", f.Sentiment)
	addFilter("intent", f.Intent)
	addFilter("resolution_status", f.Resolution)

	query := `SELECT session_id, created_at, ended_at, duration_seconds,
		sentiment, intent, resolution_status, key_topics, action_items,
		frustration_avg, frustration_max, frustration_trend,
		escalation_count, escalation_alerts,
		supervisor_interventions, COALESCE(supervisor_id, ''), supervisor_takeover_seconds,
		full_summary, insights, transcript, first_message_at, last_message_at
		FROM call_summaries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT $%d OFFSET $%d", orderCol, orderDir, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	records := make([]SummaryRecord, 0, f.Limit)
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, Stats{}, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Stats{}, fmt.Errorf("list summaries: %w", err)
	}

	stats, err := s.stats(ctx)
	if err != nil {
		return nil, Stats{}, err
	}
	return records, stats, nil
}

// Get fetches one summary by session id.
func (s *Store) Get(ctx context.Context, sessionID string) (SummaryRecord, bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT session_id, created_at, ended_at, duration_seconds,
		sentiment, intent, resolution_status, key_topics, action_items,
		frustration_avg, frustration_max, frustration_trend,
		escalation_count, escalation_alerts,
		supervisor_interventions, COALESCE(supervisor_id, ''), supervisor_takeover_seconds,
		full_summary, insights, transcript, first_message_at, last_message_at
		FROM call_summaries WHERE session_id = $1`, sessionID)
	if err != nil {
		return SummaryRecord{}, false, fmt.Errorf("get summary %s: %w", sessionID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return SummaryRecord{}, false, rows.Err()
	}
	rec, err := scanSummary(rows)
	if err != nil {
		return SummaryRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `SELECT
		COUNT(*),
		COALESCE(AVG(duration_seconds), 0),
		COALESCE(AVG(frustration_avg), 0),
		COUNT(*) FILTER (WHERE escalation_count > 0),
		COUNT(*) FILTER (WHERE supervisor_interventions > 0)
		FROM call_summaries`).Scan(
		&st.TotalCalls, &st.AvgDuration, &st.AvgFrustration,
		&st.EscalatedCalls, &st.InterventionCalls,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("summary stats: %w", err)
	}
	return st, nil
}

func scanSummary(rows pgx.Rows) (SummaryRecord, error) {
	var (
		rec          SummaryRecord
		keyTopics    []byte
		actionItems  []byte
		alerts       []byte
		transcript   []byte
		firstMessage sql.NullTime
		lastMessage  sql.NullTime
	)
	if err := rows.Scan(
		&rec.SessionID, &rec.CreatedAt, &rec.EndedAt, &rec.DurationSeconds,
		&rec.Sentiment, &rec.Intent, &rec.ResolutionStatus,
		&keyTopics, &actionItems,
		&rec.FrustrationAvg, &rec.FrustrationMax, &rec.FrustrationTrend,
		&rec.EscalationCount, &alerts,
		&rec.SupervisorInterventions, &rec.SupervisorID, &rec.SupervisorTakeoverSecs,
		&rec.FullSummary, &rec.Insights, &transcript,
		&firstMessage, &lastMessage,
	); err != nil {
		return SummaryRecord{}, fmt.Errorf("scan summary: %w", err)
	}
	rec.KeyTopics = keyTopics
	rec.ActionItems = actionItems
	rec.EscalationAlerts = alerts
	rec.Transcript = transcript
	if firstMessage.Valid {
		rec.FirstMessageAt = &firstMessage.Time
	}
	if lastMessage.Valid {
		rec.LastMessageAt = &lastMessage.Time
	}
	return rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
