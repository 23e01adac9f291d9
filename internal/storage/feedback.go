package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ashita-ai/hyoka/internal/ids"
	"github.com/ashita-ai/hyoka/internal/model"
)

const feedbackColumns = `feedback_result_id, record_id, feedback_definition_id, name, run_location,
	status, result, sub_scores, calls, cost, last_ts, attempts, next_attempt_at, claim_id, error`

// bumpLastTS sets last_ts to the supplied time, or to one microsecond past the
// stored value when the clock has not advanced. It consumes two arguments.
const bumpLastTS = `last_ts = CASE WHEN ? > last_ts THEN ? ELSE last_ts + 1 END`

// InsertFeedbackDefinition stores a definition. Re-inserting an identical
// definition updates only its display attributes.
func (db *DB) InsertFeedbackDefinition(ctx context.Context, def model.FeedbackDefinition) (string, error) {
	if def.FeedbackDefinitionID == "" {
		id, err := ids.FeedbackDefinitionID(def)
		if err != nil {
			return "", fmt.Errorf("storage: derive feedback definition id: %w", err)
		}
		def.FeedbackDefinitionID = id
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("storage: marshal feedback definition: %w", err)
	}
	err = db.retry(ctx, func() error {
		_, err := db.sql.ExecContext(ctx, db.q(
			`INSERT INTO {p}feedback_defs (feedback_definition_id, name, run_location, higher_is_better, feedback_json)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (feedback_definition_id) DO UPDATE SET
			   name = excluded.name,
			   run_location = excluded.run_location,
			   higher_is_better = excluded.higher_is_better,
			   feedback_json = excluded.feedback_json`),
			def.FeedbackDefinitionID, def.Name(), string(def.RunLocation), boolInt(def.HigherIsBetter), string(doc),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: insert feedback definition: %w", err)
	}
	return def.FeedbackDefinitionID, nil
}

// GetFeedbackDefinition returns the definition with the given id.
func (db *DB) GetFeedbackDefinition(ctx context.Context, id string) (model.FeedbackDefinition, error) {
	var doc string
	err := db.sql.QueryRowContext(ctx,
		db.q(`SELECT feedback_json FROM {p}feedback_defs WHERE feedback_definition_id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FeedbackDefinition{}, fmt.Errorf("storage: feedback definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.FeedbackDefinition{}, fmt.Errorf("storage: get feedback definition: %w", err)
	}
	var def model.FeedbackDefinition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return model.FeedbackDefinition{}, fmt.Errorf("storage: decode feedback definition %s: %w", id, err)
	}
	return def, nil
}

// GetFeedbackDefinitions returns every stored definition ordered by name.
func (db *DB) GetFeedbackDefinitions(ctx context.Context) ([]model.FeedbackDefinition, error) {
	rows, err := db.sql.QueryContext(ctx,
		db.q(`SELECT feedback_json FROM {p}feedback_defs ORDER BY name, feedback_definition_id`))
	if err != nil {
		return nil, fmt.Errorf("storage: list feedback definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []model.FeedbackDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan feedback definition: %w", err)
		}
		var def model.FeedbackDefinition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			return nil, fmt.Errorf("storage: decode feedback definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// InsertFeedback upserts a pending (NONE) or SKIPPED result and returns its id.
//
// Re-inserting an existing (definition, record) pair updates the row in place
// only while it is still NONE; a row that has been claimed or has finished
// is left untouched. Evaluation outcomes are written with ClaimFeedback and
// CompleteFeedback, never through InsertFeedback.
func (db *DB) InsertFeedback(ctx context.Context, res model.FeedbackResult) (string, error) {
	out, err := db.BatchInsertFeedback(ctx, []model.FeedbackResult{res})
	if err != nil {
		return "", err
	}
	return out[0], nil
}

// BatchInsertFeedback upserts results in one transaction and returns their ids
// in input order.
func (db *DB) BatchInsertFeedback(ctx context.Context, results []model.FeedbackResult) ([]string, error) {
	out := make([]string, len(results))
	query := db.q(
		`INSERT INTO {p}feedbacks (` + feedbackColumns + `)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, '[]', '[]', '{}', ?, 0, 0, NULL, ?)
		 ON CONFLICT (feedback_result_id) DO UPDATE SET
		   status = excluded.status,
		   name = excluded.name,
		   run_location = excluded.run_location,
		   error = excluded.error,
		   last_ts = CASE WHEN excluded.last_ts > {p}feedbacks.last_ts
		                  THEN excluded.last_ts ELSE {p}feedbacks.last_ts + 1 END
		 WHERE {p}feedbacks.status = 'none'`)

	for _, res := range results {
		if s := res.Status; s != "" && s != model.StatusNone && s != model.StatusSkipped {
			return nil, fmt.Errorf("storage: insert feedback with status %s: %w", s, ErrInvalidTransition)
		}
	}

	err := db.retry(ctx, func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			for i, res := range results {
				if res.FeedbackResultID == "" {
					res.FeedbackResultID = ids.FeedbackResultID(res.FeedbackDefinitionID, res.RecordID)
				}
				if res.Status == "" {
					res.Status = model.StatusNone
				}
				ts := res.LastTS
				if ts.IsZero() {
					ts = time.Now()
				}
				if _, err := tx.ExecContext(ctx, query,
					res.FeedbackResultID, res.RecordID, res.FeedbackDefinitionID, res.Name,
					string(res.RunLocation), string(res.Status), micros(ts), res.Error,
				); err != nil {
					return fmt.Errorf("storage: insert feedback %s: %w", res.FeedbackResultID, err)
				}
				out[i] = res.FeedbackResultID
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FeedbackFilter selects feedback results. Zero-valued fields do not
// constrain; set fields are combined with AND.
type FeedbackFilter struct {
	RecordID             string
	FeedbackResultID     string
	FeedbackDefinitionID string
	Statuses             []model.FeedbackStatus
	LastTSBefore         time.Time
	RunLocation          model.RunLocation
	AppIDs               []string
	Offset               int
	Limit                int
	Shuffle              bool
}

func (f FeedbackFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.RecordID != "" {
		conds = append(conds, "record_id = ?")
		args = append(args, f.RecordID)
	}
	if f.FeedbackResultID != "" {
		conds = append(conds, "feedback_result_id = ?")
		args = append(args, f.FeedbackResultID)
	}
	if f.FeedbackDefinitionID != "" {
		conds = append(conds, "feedback_definition_id = ?")
		args = append(args, f.FeedbackDefinitionID)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if !f.LastTSBefore.IsZero() {
		conds = append(conds, "last_ts < ?")
		args = append(args, micros(f.LastTSBefore))
	}
	if f.RunLocation != "" {
		conds = append(conds, "run_location = ?")
		args = append(args, string(f.RunLocation))
	}
	if len(f.AppIDs) > 0 {
		conds = append(conds, "record_id IN (SELECT record_id FROM {p}records WHERE app_id IN ("+placeholders(len(f.AppIDs))+"))")
		for _, id := range f.AppIDs {
			args = append(args, id)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// GetFeedback returns the results matching filter, oldest last_ts first
// unless Shuffle is set.
func (db *DB) GetFeedback(ctx context.Context, filter FeedbackFilter) ([]model.FeedbackResult, error) {
	where, args := filter.where()
	query := `SELECT ` + feedbackColumns + ` FROM {p}feedbacks` + where
	if filter.Shuffle {
		query += ` ORDER BY RANDOM()`
	} else {
		query += ` ORDER BY last_ts ASC, feedback_result_id ASC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += db.noLimit()
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := db.sql.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FeedbackResult
	for rows.Next() {
		r, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetFeedbackResult returns one result by id.
func (db *DB) GetFeedbackResult(ctx context.Context, id string) (model.FeedbackResult, error) {
	rows, err := db.GetFeedback(ctx, FeedbackFilter{FeedbackResultID: id})
	if err != nil {
		return model.FeedbackResult{}, err
	}
	if len(rows) == 0 {
		return model.FeedbackResult{}, fmt.Errorf("storage: feedback %s: %w", id, ErrNotFound)
	}
	return rows[0], nil
}

// GetFeedbackCountByStatus counts the results matching filter per status.
// Offset, Limit and Shuffle are ignored.
func (db *DB) GetFeedbackCountByStatus(ctx context.Context, filter FeedbackFilter) (map[model.FeedbackStatus]int, error) {
	where, args := filter.where()
	rows, err := db.sql.QueryContext(ctx,
		db.q(`SELECT status, COUNT(*) FROM {p}feedbacks`+where+` GROUP BY status`), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: count feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.FeedbackStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan feedback count: %w", err)
		}
		counts[model.FeedbackStatus(status)] = n
	}
	return counts, rows.Err()
}

// ClaimPolicy decides which rows are claimable at a point in time.
type ClaimPolicy struct {
	// Now is the claim time. Zero means time.Now().
	Now time.Time
	// StaleAfter is how long a RUNNING row may go without a write before it
	// is reclaimable. Zero disables reclaim.
	StaleAfter time.Duration
	// MaxAttempts bounds automatic retries of FAILED rows. Zero means unlimited.
	MaxAttempts int
}

func (p ClaimPolicy) args() (now, staleBefore int64, maxAttempts int) {
	t := p.Now
	if t.IsZero() {
		t = time.Now()
	}
	now = micros(t)
	staleBefore = -1
	if p.StaleAfter > 0 {
		staleBefore = micros(t.Add(-p.StaleAfter))
	}
	maxAttempts = p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint32(0) >> 1)
	}
	return now, staleBefore, maxAttempts
}

// claimable matches NONE rows, FAILED rows whose backoff has elapsed and
// whose attempts remain, and RUNNING rows whose last write is older than the
// staleness bound. It consumes three arguments: max attempts, now, stale-before.
const claimable = `(status = 'none'
	OR (status = 'failed' AND attempts < ? AND next_attempt_at <= ?)
	OR (status = 'running' AND last_ts < ?))`

// PendingFeedback returns up to limit claimable rows at any of locations,
// oldest last_ts first. With shuffle, the oldest window of rows is returned
// in random order so concurrent evaluators contend less.
func (db *DB) PendingFeedback(ctx context.Context, locations []model.RunLocation, policy ClaimPolicy, limit int, shuffle bool) ([]model.FeedbackResult, error) {
	if limit <= 0 || len(locations) == 0 {
		return nil, nil
	}
	now, staleBefore, maxAttempts := policy.args()
	window := limit
	if shuffle {
		window = limit * 4
	}
	args := make([]any, 0, len(locations)+4)
	for _, loc := range locations {
		args = append(args, string(loc))
	}
	args = append(args, maxAttempts, now, staleBefore, window)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(locations)), ", ")
	rows, err := db.sql.QueryContext(ctx, db.q(
		`SELECT `+feedbackColumns+` FROM {p}feedbacks
		 WHERE run_location IN (`+placeholders+`) AND `+claimable+`
		 ORDER BY last_ts ASC, feedback_result_id ASC
		 LIMIT ?`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query pending feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FeedbackResult
	for rows.Next() {
		r, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate pending feedback: %w", err)
	}
	if shuffle {
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimFeedback atomically moves a claimable row to RUNNING under claimID and
// increments its attempt counter. It returns false, without error, when the
// row is not claimable, typically because another evaluator won the race.
// The returned result reflects the row after the claim.
func (db *DB) ClaimFeedback(ctx context.Context, id, claimID string, policy ClaimPolicy) (model.FeedbackResult, bool, error) {
	now, staleBefore, maxAttempts := policy.args()
	var claimed bool
	var res model.FeedbackResult
	err := db.retry(ctx, func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			r, err := tx.ExecContext(ctx, db.q(
				`UPDATE {p}feedbacks
				 SET status = 'running', claim_id = ?, attempts = attempts + 1, error = '', `+bumpLastTS+`
				 WHERE feedback_result_id = ? AND `+claimable),
				claimID, now, now, id, maxAttempts, now, staleBefore,
			)
			if err != nil {
				return fmt.Errorf("storage: claim feedback %s: %w", id, err)
			}
			n, err := r.RowsAffected()
			if err != nil {
				return fmt.Errorf("storage: claim feedback %s: %w", id, err)
			}
			claimed = n == 1
			if !claimed {
				return nil
			}
			res, err = scanFeedback(tx.QueryRowContext(ctx,
				db.q(`SELECT `+feedbackColumns+` FROM {p}feedbacks WHERE feedback_result_id = ?`), id))
			return err
		})
	})
	if err != nil {
		return model.FeedbackResult{}, false, err
	}
	return res, claimed, nil
}

// CompleteFeedback writes the outcome of a claimed evaluation. result.Status
// must be DONE or FAILED. For FAILED results retryAt sets when the row next
// becomes claimable. ErrClaimLost is returned when the row is no longer
// RUNNING under claimID.
func (db *DB) CompleteFeedback(ctx context.Context, claimID string, result model.FeedbackResult, retryAt time.Time) error {
	if result.Status != model.StatusDone && result.Status != model.StatusFailed {
		return fmt.Errorf("storage: complete feedback with status %s: %w", result.Status, ErrInvalidTransition)
	}
	subs, err := jsonText(nonNil(result.SubScores))
	if err != nil {
		return fmt.Errorf("storage: marshal sub scores: %w", err)
	}
	calls, err := jsonText(nonNil(result.Calls))
	if err != nil {
		return fmt.Errorf("storage: marshal calls: %w", err)
	}
	cost, err := jsonText(result.Cost)
	if err != nil {
		return fmt.Errorf("storage: marshal cost: %w", err)
	}
	var score sql.NullFloat64
	if result.Result != nil {
		score = sql.NullFloat64{Float64: *result.Result, Valid: true}
	}
	ts := result.LastTS
	if ts.IsZero() {
		ts = time.Now()
	}
	now := micros(ts)

	var n int64
	err = db.retry(ctx, func() error {
		r, err := db.sql.ExecContext(ctx, db.q(
			`UPDATE {p}feedbacks
			 SET status = ?, result = ?, sub_scores = ?, calls = ?, cost = ?, error = ?,
			     claim_id = NULL, next_attempt_at = ?, `+bumpLastTS+`
			 WHERE feedback_result_id = ? AND status = 'running' AND claim_id = ?`),
			string(result.Status), score, subs, calls, cost, result.Error,
			micros(retryAt), now, now, result.FeedbackResultID, claimID,
		)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: complete feedback %s: %w", result.FeedbackResultID, err)
	}
	if n == 0 {
		return fmt.Errorf("storage: complete feedback %s: %w", result.FeedbackResultID, ErrClaimLost)
	}
	return nil
}

// SkipFeedback moves a NONE row to SKIPPED with reason as its error text.
func (db *DB) SkipFeedback(ctx context.Context, id, reason string) error {
	now := micros(time.Now())
	return db.transition(ctx, id, db.q(
		`UPDATE {p}feedbacks SET status = 'skipped', error = ?, `+bumpLastTS+`
		 WHERE feedback_result_id = ? AND status = 'none'`),
		reason, now, now, id)
}

// TouchFeedback refreshes last_ts of a RUNNING row still held by claimID, so
// a long evaluation is not mistaken for an abandoned one. It returns
// ErrClaimLost when the claim has been taken over or completed.
func (db *DB) TouchFeedback(ctx context.Context, id, claimID string) error {
	now := micros(time.Now())
	var n int64
	err := db.retry(ctx, func() error {
		r, err := db.sql.ExecContext(ctx, db.q(
			`UPDATE {p}feedbacks SET `+bumpLastTS+`
			 WHERE feedback_result_id = ? AND status = 'running' AND claim_id = ?`),
			now, now, id, claimID,
		)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: touch feedback %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("storage: touch feedback %s: %w", id, ErrClaimLost)
	}
	return nil
}

// RequeueFeedback makes a FAILED row immediately claimable again with a fresh
// attempt budget. It is the manual retry path for rows that exhausted their
// automatic attempts.
func (db *DB) RequeueFeedback(ctx context.Context, id string) error {
	now := micros(time.Now())
	return db.transition(ctx, id, db.q(
		`UPDATE {p}feedbacks SET attempts = 0, next_attempt_at = 0, `+bumpLastTS+`
		 WHERE feedback_result_id = ? AND status = 'failed'`),
		now, now, id)
}

// transition runs a conditional single-row update and maps "no row changed"
// to ErrNotFound or ErrInvalidTransition.
func (db *DB) transition(ctx context.Context, id, query string, args ...any) error {
	var n int64
	err := db.retry(ctx, func() error {
		r, err := db.sql.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update feedback %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	cur, err := db.GetFeedbackResult(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("storage: feedback %s is %s: %w", id, cur.Status, ErrInvalidTransition)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedback(row rowScanner) (model.FeedbackResult, error) {
	var (
		r                     model.FeedbackResult
		runLocation, status   string
		score                 sql.NullFloat64
		subs, calls, cost     string
		lastTS, nextAttemptAt int64
		claimID               sql.NullString
	)
	if err := row.Scan(
		&r.FeedbackResultID, &r.RecordID, &r.FeedbackDefinitionID, &r.Name, &runLocation,
		&status, &score, &subs, &calls, &cost, &lastTS, &r.Attempts, &nextAttemptAt, &claimID, &r.Error,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.FeedbackResult{}, fmt.Errorf("storage: scan feedback: %w", ErrNotFound)
		}
		return model.FeedbackResult{}, fmt.Errorf("storage: scan feedback: %w", err)
	}
	r.RunLocation = model.RunLocation(runLocation)
	r.Status = model.FeedbackStatus(status)
	if score.Valid {
		v := score.Float64
		r.Result = &v
	}
	if err := json.Unmarshal([]byte(subs), &r.SubScores); err != nil {
		return model.FeedbackResult{}, fmt.Errorf("storage: decode sub scores of %s: %w", r.FeedbackResultID, err)
	}
	if err := json.Unmarshal([]byte(calls), &r.Calls); err != nil {
		return model.FeedbackResult{}, fmt.Errorf("storage: decode calls of %s: %w", r.FeedbackResultID, err)
	}
	if err := json.Unmarshal([]byte(cost), &r.Cost); err != nil {
		return model.FeedbackResult{}, fmt.Errorf("storage: decode cost of %s: %w", r.FeedbackResultID, err)
	}
	r.LastTS = fromMicros(lastTS)
	r.NextAttemptAt = fromMicros(nextAttemptAt)
	r.ClaimID = claimID.String
	return r, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (db *DB) noLimit() string {
	if db.backend == BackendPostgres {
		return ` LIMIT ALL`
	}
	return ` LIMIT -1`
}
