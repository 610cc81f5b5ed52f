// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agio/pkg/step"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLService implements Service using a SQL database. Concurrency is
// handled by database-level locking (transactions).
type SQLService struct {
	db      *sql.DB
	dialect string
}

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    owner VARCHAR(255),
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createStepsTableSQL = `
CREATE TABLE IF NOT EXISTS steps (
    id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    sequence BIGINT NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT,
    tool_calls_json TEXT,
    tool_call_id VARCHAR(255),
    tool_name VARCHAR(255),
    is_error BOOLEAN DEFAULT FALSE,
    metrics_json TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
)`

const createStepsIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_session_seq ON steps(session_id, sequence)`

const createRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    parent_run_id VARCHAR(255),
    agent_id VARCHAR(255),
    depth INTEGER DEFAULT 0,
    status VARCHAR(50) NOT NULL,
    termination_reason VARCHAR(50),
    error TEXT,
    input_query TEXT,
    final_output TEXT,
    metrics_json TEXT,
    start_time TIMESTAMP NOT NULL,
    end_time TIMESTAMP NULL
)`

const createRunsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, start_time)`

const createLogsTableSQL = `
CREATE TABLE IF NOT EXISTS llm_call_logs (
    id VARCHAR(255) PRIMARY KEY,
    run_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    provider VARCHAR(255),
    sequence BIGINT,
    input_messages INTEGER,
    input_tokens INTEGER,
    output_tokens INTEGER,
    duration_ms BIGINT,
    first_token_ms BIGINT,
    error TEXT,
    created_at TIMESTAMP NOT NULL
)`

const createLogsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_logs_run ON llm_call_logs(run_id, created_at)`

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(255) PRIMARY KEY,
    run_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    at_sequence BIGINT NOT NULL,
    steps_json TEXT,
    metrics_json TEXT,
    agent_config_json TEXT,
    modifications_json TEXT,
    tags_json TEXT,
    description TEXT,
    created_at TIMESTAMP NOT NULL
)`

const createCheckpointsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, created_at)`

const createTracesTableSQL = `
CREATE TABLE IF NOT EXISTS traces (
    run_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255),
    spans_json TEXT,
    created_at TIMESTAMP NOT NULL
)`

// NewSQLService creates a SQL-backed store and initializes its schema.
func NewSQLService(db *sql.DB, dialect string) (*SQLService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLService{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLService) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility.
	statements := []string{
		createSessionsTableSQL,
		createStepsTableSQL,
		createStepsIndexSQL,
		createRunsTableSQL,
		createRunsIndexSQL,
		createLogsTableSQL,
		createLogsIndexSQL,
		createCheckpointsTableSQL,
		createCheckpointsIndexSQL,
		createTracesTableSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLService) Close() error {
	return s.db.Close()
}

func (s *SQLService) q(query string) string {
	if s.dialect == "postgres" {
		return convertToPostgresPlaceholders(query)
	}
	return query
}

func (s *SQLService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	if existing, err := s.GetSession(ctx, id); err == nil {
		return existing, nil
	}

	metadataJSON := ""
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	now := time.Now()
	query := s.q(`INSERT INTO sessions (id, owner, metadata_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, id, req.Owner, metadataJSON, now, now); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &Session{
		ID:        id,
		Owner:     req.Owner,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLService) GetSession(ctx context.Context, id string) (*Session, error) {
	query := s.q(`SELECT id, owner, metadata_json, created_at, updated_at FROM sessions WHERE id = ?`)

	var (
		sess         Session
		metadataJSON string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.Owner, &metadataJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *SQLService) AppendStep(ctx context.Context, st *step.Step) (*step.Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists string
	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM sessions WHERE id = ?`), st.SessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}

	callIDs, err := s.collectCallIDsTx(ctx, tx, st.SessionID)
	if err != nil {
		return nil, err
	}
	if err := validateAppend(st, callIDs); err != nil {
		return nil, err
	}

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT COALESCE(MAX(sequence), 0) FROM steps WHERE session_id = ?`), st.SessionID).Scan(&lastSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}

	stored := st.Clone()
	stored.Sequence = lastSeq + 1
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	toolCallsJSON := ""
	if len(stored.ToolCalls) > 0 {
		b, err := json.Marshal(stored.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCallsJSON = string(b)
	}
	metricsJSON := ""
	if stored.Metrics != nil {
		b, err := json.Marshal(stored.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		metricsJSON = string(b)
	}

	insert := s.q(`INSERT INTO steps (id, session_id, sequence, role, content, tool_calls_json,
        tool_call_id, tool_name, is_error, metrics_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, insert,
		stored.ID, stored.SessionID, stored.Sequence, string(stored.Role), stored.Content,
		toolCallsJSON, stored.ToolCallID, stored.ToolName, stored.IsError, metricsJSON, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert step: %w", err)
	}

	touch := s.q(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touch, time.Now(), stored.SessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

func (s *SQLService) collectCallIDsTx(ctx context.Context, tx *sql.Tx, sessionID string) (map[string]struct{}, error) {
	query := s.q(`SELECT tool_calls_json FROM steps WHERE session_id = ? AND role = 'assistant' AND tool_calls_json != ''`)
	rows, err := tx.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect tool call ids: %w", err)
	}
	defer rows.Close()

	callIDs := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var calls []step.ToolCall
		if err := json.Unmarshal([]byte(raw), &calls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
		for _, tc := range calls {
			callIDs[tc.ID] = struct{}{}
		}
	}
	return callIDs, rows.Err()
}

const stepColumns = `id, session_id, sequence, role, content, tool_calls_json,
    tool_call_id, tool_name, is_error, metrics_json, created_at`

func (s *SQLService) ListSteps(ctx context.Context, sessionID string, startSeq, endSeq int64) ([]*step.Step, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT ` + stepColumns + ` FROM steps WHERE session_id = ?`
	args := []any{sessionID}
	if startSeq > 0 {
		query += " AND sequence >= ?"
		args = append(args, startSeq)
	}
	if endSeq > 0 {
		query += " AND sequence <= ?"
		args = append(args, endSeq)
	}
	query += " ORDER BY sequence ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*step.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLService) LastStep(ctx context.Context, sessionID string) (*step.Step, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := s.q(`SELECT ` + stepColumns + ` FROM steps WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`)
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get last step: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanStep(rows)
}

func (s *SQLService) TruncateFrom(ctx context.Context, sessionID string, fromSeq int64) (int64, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}

	query := s.q(`DELETE FROM steps WHERE session_id = ? AND sequence >= ?`)
	res, err := s.db.ExecContext(ctx, query, sessionID, fromSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to truncate steps: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		touch := s.q(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
		if _, err := s.db.ExecContext(ctx, touch, time.Now(), sessionID); err != nil {
			return deleted, fmt.Errorf("failed to touch session: %w", err)
		}
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*step.Step, error) {
	var (
		st            step.Step
		role          string
		toolCallsJSON string
		metricsJSON   string
	)
	err := row.Scan(&st.ID, &st.SessionID, &st.Sequence, &role, &st.Content,
		&toolCallsJSON, &st.ToolCallID, &st.ToolName, &st.IsError, &metricsJSON, &st.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}
	st.Role = step.Role(role)
	if toolCallsJSON != "" {
		if err := json.Unmarshal([]byte(toolCallsJSON), &st.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}
	if metricsJSON != "" {
		var m step.Metrics
		if err := json.Unmarshal([]byte(metricsJSON), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		st.Metrics = &m
	}
	return &st, nil
}

func (s *SQLService) SaveRun(ctx context.Context, run *Run) error {
	metricsJSON := ""
	if run.Metrics != nil {
		b, err := json.Marshal(run.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		metricsJSON = string(b)
	}

	var endTime any
	if !run.EndTime.IsZero() {
		endTime = run.EndTime
	}

	_, err := s.db.ExecContext(ctx, s.upsertRunQuery(),
		run.ID, run.SessionID, run.ParentRunID, run.AgentID, run.Depth,
		string(run.Status), string(run.TerminationReason), run.Error,
		run.InputQuery, run.FinalOutput, metricsJSON, run.StartTime, endTime)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *SQLService) upsertRunQuery() string {
	cols := `id, session_id, parent_run_id, agent_id, depth, status, termination_reason,
        error, input_query, final_output, metrics_json, start_time, end_time`
	switch s.dialect {
	case "postgres":
		return `INSERT INTO runs (` + cols + `)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
            ON CONFLICT (id) DO UPDATE SET
                status = $6, termination_reason = $7, error = $8,
                final_output = $10, metrics_json = $11, end_time = $13`
	case "mysql":
		return `INSERT INTO runs (` + cols + `)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON DUPLICATE KEY UPDATE
                status = VALUES(status), termination_reason = VALUES(termination_reason),
                error = VALUES(error), final_output = VALUES(final_output),
                metrics_json = VALUES(metrics_json), end_time = VALUES(end_time)`
	default: // sqlite
		return `INSERT INTO runs (` + cols + `)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT (id) DO UPDATE SET
                status = excluded.status, termination_reason = excluded.termination_reason,
                error = excluded.error, final_output = excluded.final_output,
                metrics_json = excluded.metrics_json, end_time = excluded.end_time`
	}
}

const runColumns = `id, session_id, parent_run_id, agent_id, depth, status, termination_reason,
    error, input_query, final_output, metrics_json, start_time, end_time`

func (s *SQLService) GetRun(ctx context.Context, id string) (*Run, error) {
	query := s.q(`SELECT ` + runColumns + ` FROM runs WHERE id = ?`)
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRunNotFound
	}
	return scanRun(rows)
}

func (s *SQLService) ListRuns(ctx context.Context, f *RunFilter) ([]*Run, error) {
	if f == nil {
		f = &RunFilter{}
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []any
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY start_time DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run         Run
		status      string
		reason      string
		metricsJSON string
		endTime     sql.NullTime
	)
	err := row.Scan(&run.ID, &run.SessionID, &run.ParentRunID, &run.AgentID, &run.Depth,
		&status, &reason, &run.Error, &run.InputQuery, &run.FinalOutput,
		&metricsJSON, &run.StartTime, &endTime)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = RunStatus(status)
	run.TerminationReason = TerminationReason(reason)
	if endTime.Valid {
		run.EndTime = endTime.Time
	}
	if metricsJSON != "" {
		var m step.Metrics
		if err := json.Unmarshal([]byte(metricsJSON), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		run.Metrics = &m
	}
	return &run, nil
}

func (s *SQLService) SaveLLMCallLog(ctx context.Context, log *LLMCallLog) error {
	id := log.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := s.q(`INSERT INTO llm_call_logs (id, run_id, session_id, provider, sequence,
        input_messages, input_tokens, output_tokens, duration_ms, first_token_ms, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		id, log.RunID, log.SessionID, log.Provider, log.Sequence,
		log.InputMessages, log.InputTokens, log.OutputTokens,
		log.DurationMS, log.FirstTokenMS, log.Error, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save llm call log: %w", err)
	}
	log.ID = id
	log.CreatedAt = createdAt
	return nil
}

func (s *SQLService) ListLLMCallLogs(ctx context.Context, f *LogFilter) ([]*LLMCallLog, error) {
	if f == nil {
		f = &LogFilter{}
	}

	query := `SELECT id, run_id, session_id, provider, sequence, input_messages,
        input_tokens, output_tokens, duration_ms, first_token_ms, error, created_at
        FROM llm_call_logs WHERE 1 = 1`
	var args []any
	if f.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list llm call logs: %w", err)
	}
	defer rows.Close()

	var out []*LLMCallLog
	for rows.Next() {
		var l LLMCallLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.SessionID, &l.Provider, &l.Sequence,
			&l.InputMessages, &l.InputTokens, &l.OutputTokens,
			&l.DurationMS, &l.FirstTokenMS, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan llm call log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLService) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM sessions`, &stats.Sessions},
		{`SELECT COUNT(*) FROM steps`, &stats.Steps},
		{`SELECT COUNT(*) FROM runs`, &stats.Runs},
		{`SELECT COUNT(*) FROM checkpoints`, &stats.Checkpoints},
		{`SELECT COUNT(*) FROM llm_call_logs`, &stats.LLMCalls},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM llm_call_logs`).
		Scan(&stats.InputTokens, &stats.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to collect token stats: %w", err)
	}
	return stats, nil
}

func (s *SQLService) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	id := cp.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	marshal := func(v any) (string, error) {
		if v == nil {
			return "", nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	stepsJSON, err := marshal(cp.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint steps: %w", err)
	}
	metricsJSON := ""
	if cp.Metrics != nil {
		if metricsJSON, err = marshal(cp.Metrics); err != nil {
			return fmt.Errorf("failed to marshal checkpoint metrics: %w", err)
		}
	}
	configJSON := ""
	if len(cp.AgentConfig) > 0 {
		if configJSON, err = marshal(cp.AgentConfig); err != nil {
			return fmt.Errorf("failed to marshal agent config: %w", err)
		}
	}
	modsJSON := ""
	if len(cp.Modifications) > 0 {
		if modsJSON, err = marshal(cp.Modifications); err != nil {
			return fmt.Errorf("failed to marshal modifications: %w", err)
		}
	}
	tagsJSON := ""
	if len(cp.Tags) > 0 {
		if tagsJSON, err = marshal(cp.Tags); err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
	}

	query := s.q(`INSERT INTO checkpoints (id, run_id, session_id, at_sequence, steps_json,
        metrics_json, agent_config_json, modifications_json, tags_json, description, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		id, cp.RunID, cp.SessionID, cp.AtSequence, stepsJSON,
		metricsJSON, configJSON, modsJSON, tagsJSON, cp.Description, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cp.ID = id
	cp.CreatedAt = createdAt
	return nil
}

const checkpointColumns = `id, run_id, session_id, at_sequence, steps_json,
    metrics_json, agent_config_json, modifications_json, tags_json, description, created_at`

func (s *SQLService) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	query := s.q(`SELECT ` + checkpointColumns + ` FROM checkpoints WHERE id = ?`)
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrCheckpointNotFound
	}
	return scanCheckpoint(rows)
}

func (s *SQLService) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	query := s.q(`SELECT ` + checkpointColumns + ` FROM checkpoints WHERE run_id = ? ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp          Checkpoint
		stepsJSON   string
		metricsJSON string
		configJSON  string
		modsJSON    string
		tagsJSON    string
	)
	err := row.Scan(&cp.ID, &cp.RunID, &cp.SessionID, &cp.AtSequence, &stepsJSON,
		&metricsJSON, &configJSON, &modsJSON, &tagsJSON, &cp.Description, &cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &cp.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint steps: %w", err)
		}
	}
	if metricsJSON != "" {
		var m step.Metrics
		if err := json.Unmarshal([]byte(metricsJSON), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint metrics: %w", err)
		}
		cp.Metrics = &m
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &cp.AgentConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent config: %w", err)
		}
	}
	if modsJSON != "" {
		if err := json.Unmarshal([]byte(modsJSON), &cp.Modifications); err != nil {
			return nil, fmt.Errorf("failed to unmarshal modifications: %w", err)
		}
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &cp.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	return &cp, nil
}

func (s *SQLService) DeleteCheckpoint(ctx context.Context, id string) error {
	query := s.q(`DELETE FROM checkpoints WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s *SQLService) SaveTrace(ctx context.Context, tr *Trace) error {
	spansJSON := ""
	if len(tr.Spans) > 0 {
		b, err := json.Marshal(tr.Spans)
		if err != nil {
			return fmt.Errorf("failed to marshal spans: %w", err)
		}
		spansJSON = string(b)
	}
	createdAt := tr.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, s.upsertTraceQuery(), tr.RunID, tr.SessionID, spansJSON, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save trace: %w", err)
	}
	tr.CreatedAt = createdAt
	return nil
}

func (s *SQLService) upsertTraceQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO traces (run_id, session_id, spans_json, created_at)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (run_id) DO UPDATE SET spans_json = $3`
	case "mysql":
		return `INSERT INTO traces (run_id, session_id, spans_json, created_at)
            VALUES (?, ?, ?, ?)
            ON DUPLICATE KEY UPDATE spans_json = VALUES(spans_json)`
	default: // sqlite
		return `INSERT INTO traces (run_id, session_id, spans_json, created_at)
            VALUES (?, ?, ?, ?)
            ON CONFLICT (run_id) DO UPDATE SET spans_json = excluded.spans_json`
	}
}

func (s *SQLService) GetTrace(ctx context.Context, runID string) (*Trace, error) {
	query := s.q(`SELECT run_id, session_id, spans_json, created_at FROM traces WHERE run_id = ?`)

	var (
		tr        Trace
		spansJSON string
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&tr.RunID, &tr.SessionID, &spansJSON, &tr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trace: %w", err)
	}
	if spansJSON != "" {
		if err := json.Unmarshal([]byte(spansJSON), &tr.Spans); err != nil {
			return nil, fmt.Errorf("failed to unmarshal spans: %w", err)
		}
	}
	return &tr, nil
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

var _ Service = (*SQLService)(nil)
