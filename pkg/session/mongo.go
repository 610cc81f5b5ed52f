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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kadirpekel/agio/pkg/step"
)

const (
	defaultMongoTimeout = 5 * time.Second

	// Bounded retries for sequence races; the unique (session_id, sequence)
	// index turns a lost race into a duplicate-key error.
	appendRetries = 3
)

// MongoOptions configures the Mongo-backed store.
type MongoOptions struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// MongoService implements Service on MongoDB with one collection per
// entity kind.
type MongoService struct {
	client      *mongodriver.Client
	sessions    *mongodriver.Collection
	steps       *mongodriver.Collection
	runs        *mongodriver.Collection
	logs        *mongodriver.Collection
	checkpoints *mongodriver.Collection
	traces      *mongodriver.Collection
	timeout     time.Duration
}

// NewMongoService creates a Mongo-backed store and ensures its indexes.
func NewMongoService(opts MongoOptions) (*MongoService, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &MongoService{
		client:      opts.Client,
		sessions:    db.Collection("sessions"),
		steps:       db.Collection("steps"),
		runs:        db.Collection("runs"),
		logs:        db.Collection("llm_call_logs"),
		checkpoints: db.Collection("checkpoints"),
		traces:      db.Collection("traces"),
		timeout:     timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}
	return s, nil
}

func (s *MongoService) ensureIndexes(ctx context.Context) error {
	stepIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "sequence", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.steps.Indexes().CreateOne(ctx, stepIndex); err != nil {
		return err
	}
	runIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "start_time", Value: 1},
		},
	}
	if _, err := s.runs.Indexes().CreateOne(ctx, runIndex); err != nil {
		return err
	}
	logIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	if _, err := s.logs.Indexes().CreateOne(ctx, logIndex); err != nil {
		return err
	}
	checkpointIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	_, err := s.checkpoints.Indexes().CreateOne(ctx, checkpointIndex)
	return err
}

func (s *MongoService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Close disconnects the underlying client.
func (s *MongoService) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": id}
	update := bson.M{
		// Idempotent insert: creating an existing session must not touch it.
		"$setOnInsert": bson.M{
			"_id":        id,
			"owner":      req.Owner,
			"metadata":   req.Metadata,
			"created_at": now,
			"updated_at": now,
		},
	}
	if _, err := s.sessions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *MongoService) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sess Session
	err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&sess)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *MongoService) AppendStep(ctx context.Context, st *step.Step) (*step.Step, error) {
	if _, err := s.GetSession(ctx, st.SessionID); err != nil {
		return nil, err
	}

	callIDs, err := s.collectCallIDs(ctx, st.SessionID)
	if err != nil {
		return nil, err
	}
	if err := validateAppend(st, callIDs); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		last, err := s.LastStep(ctx, st.SessionID)
		if err != nil {
			return nil, err
		}
		var nextSeq int64 = 1
		if last != nil {
			nextSeq = last.Sequence + 1
		}

		stored := st.Clone()
		stored.Sequence = nextSeq
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}

		opCtx, cancel := s.withTimeout(ctx)
		_, err = s.steps.InsertOne(opCtx, stored)
		cancel()
		if err == nil {
			s.touchSession(ctx, st.SessionID)
			return stored, nil
		}
		if !mongodriver.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("failed to insert step: %w", err)
		}
		// Lost a sequence race; re-read the tip and try again.
		lastErr = err
	}
	return nil, fmt.Errorf("failed to insert step after %d attempts: %w", appendRetries, lastErr)
}

func (s *MongoService) touchSession(ctx context.Context, sessionID string) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, _ = s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"updated_at": time.Now().UTC()}})
}

func (s *MongoService) collectCallIDs(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"session_id": sessionID,
		"role":       string(step.RoleAssistant),
		"tool_calls": bson.M{"$exists": true, "$ne": nil},
	}
	cur, err := s.steps.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to collect tool call ids: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	callIDs := make(map[string]struct{})
	for cur.Next(ctx) {
		var st step.Step
		if err := cur.Decode(&st); err != nil {
			return nil, err
		}
		for _, tc := range st.ToolCalls {
			callIDs[tc.ID] = struct{}{}
		}
	}
	return callIDs, cur.Err()
}

func (s *MongoService) ListSteps(ctx context.Context, sessionID string, startSeq, endSeq int64) ([]*step.Step, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	filter := bson.M{"session_id": sessionID}
	seqFilter := bson.M{}
	if startSeq > 0 {
		seqFilter["$gte"] = startSeq
	}
	if endSeq > 0 {
		seqFilter["$lte"] = endSeq
	}
	if len(seqFilter) > 0 {
		filter["sequence"] = seqFilter
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.steps.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []*step.Step
	for cur.Next(ctx) {
		var st step.Step
		if err := cur.Decode(&st); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, cur.Err()
}

func (s *MongoService) LastStep(ctx context.Context, sessionID string) (*step.Step, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var st step.Step
	err := s.steps.FindOne(ctx,
		bson.M{"session_id": sessionID},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})).Decode(&st)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last step: %w", err)
	}
	return &st, nil
}

func (s *MongoService) TruncateFrom(ctx context.Context, sessionID string, fromSeq int64) (int64, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.steps.DeleteMany(ctx, bson.M{
		"session_id": sessionID,
		"sequence":   bson.M{"$gte": fromSeq},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to truncate steps: %w", err)
	}
	if res.DeletedCount > 0 {
		s.touchSession(ctx, sessionID)
	}
	return res.DeletedCount, nil
}

func (s *MongoService) SaveRun(ctx context.Context, run *Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": run.ID}
	update := bson.M{
		"$set": bson.M{
			"session_id":         run.SessionID,
			"parent_run_id":      run.ParentRunID,
			"agent_id":           run.AgentID,
			"depth":              run.Depth,
			"status":             run.Status,
			"termination_reason": run.TerminationReason,
			"error":              run.Error,
			"input_query":        run.InputQuery,
			"final_output":       run.FinalOutput,
			"metrics":            run.Metrics,
			"end_time":           run.EndTime,
		},
		"$setOnInsert": bson.M{
			"start_time": run.StartTime,
		},
	}
	if _, err := s.runs.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *MongoService) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var run Run
	err := s.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&run)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (s *MongoService) ListRuns(ctx context.Context, f *RunFilter) ([]*Run, error) {
	if f == nil {
		f = &RunFilter{}
	}

	filter := bson.M{}
	if f.SessionID != "" {
		filter["session_id"] = f.SessionID
	}
	if f.AgentID != "" {
		filter["agent_id"] = f.AgentID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}

	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.runs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []*Run
	for cur.Next(ctx) {
		var run Run
		if err := cur.Decode(&run); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	return out, cur.Err()
}

func (s *MongoService) SaveLLMCallLog(ctx context.Context, log *LLMCallLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.logs.InsertOne(ctx, log); err != nil {
		return fmt.Errorf("failed to save llm call log: %w", err)
	}
	return nil
}

func (s *MongoService) ListLLMCallLogs(ctx context.Context, f *LogFilter) ([]*LLMCallLog, error) {
	if f == nil {
		f = &LogFilter{}
	}

	filter := bson.M{}
	if f.RunID != "" {
		filter["run_id"] = f.RunID
	}
	if f.SessionID != "" {
		filter["session_id"] = f.SessionID
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.logs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list llm call logs: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []*LLMCallLog
	for cur.Next(ctx) {
		var l LLMCallLog
		if err := cur.Decode(&l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, cur.Err()
}

func (s *MongoService) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats := &Stats{}
	counts := []struct {
		coll *mongodriver.Collection
		dest *int64
	}{
		{s.sessions, &stats.Sessions},
		{s.steps, &stats.Steps},
		{s.runs, &stats.Runs},
		{s.checkpoints, &stats.Checkpoints},
		{s.logs, &stats.LLMCalls},
	}
	for _, c := range counts {
		n, err := c.coll.CountDocuments(ctx, bson.M{})
		if err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
		*c.dest = n
	}

	pipeline := mongodriver.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":           nil,
			"input_tokens":  bson.M{"$sum": "$input_tokens"},
			"output_tokens": bson.M{"$sum": "$output_tokens"},
		}}},
	}
	cur, err := s.logs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to collect token stats: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	if cur.Next(ctx) {
		var agg struct {
			InputTokens  int64 `bson:"input_tokens"`
			OutputTokens int64 `bson:"output_tokens"`
		}
		if err := cur.Decode(&agg); err != nil {
			return nil, err
		}
		stats.InputTokens = agg.InputTokens
		stats.OutputTokens = agg.OutputTokens
	}
	return stats, cur.Err()
}

func (s *MongoService) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.checkpoints.InsertOne(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *MongoService) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var cp Checkpoint
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": id}).Decode(&cp)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *MongoService) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.checkpoints.Find(ctx,
		bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []*Checkpoint
	for cur.Next(ctx) {
		var cp Checkpoint
		if err := cur.Decode(&cp); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, cur.Err()
}

func (s *MongoService) DeleteCheckpoint(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.checkpoints.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s *MongoService) SaveTrace(ctx context.Context, tr *Trace) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": tr.RunID}
	update := bson.M{
		"$set": bson.M{
			"session_id": tr.SessionID,
			"spans":      tr.Spans,
		},
		"$setOnInsert": bson.M{
			"created_at": tr.CreatedAt,
		},
	}
	if _, err := s.traces.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to save trace: %w", err)
	}
	return nil
}

func (s *MongoService) GetTrace(ctx context.Context, runID string) (*Trace, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var tr Trace
	err := s.traces.FindOne(ctx, bson.M{"_id": runID}).Decode(&tr)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trace: %w", err)
	}
	return &tr, nil
}

var _ Service = (*MongoService)(nil)
