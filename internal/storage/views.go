package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ashita-ai/hyoka/internal/model"
)

// GetRecordsAndFeedback returns one row per record of appIDs (all apps when
// empty), oldest first, with the DONE score of every feedback evaluated over
// it keyed by feedback name. Columns lists the names that have at least one
// DONE score on the page, sorted.
func (db *DB) GetRecordsAndFeedback(ctx context.Context, appIDs []string, offset, limit int) (model.RecordsAndFeedback, error) {
	page := `SELECT record_id FROM {p}records`
	var pageArgs []any
	if len(appIDs) > 0 {
		page += ` WHERE app_id IN (` + placeholders(len(appIDs)) + `)`
		for _, id := range appIDs {
			pageArgs = append(pageArgs, id)
		}
	}
	page += ` ORDER BY ts ASC, record_id ASC`
	if limit > 0 {
		page += ` LIMIT ?`
		pageArgs = append(pageArgs, limit)
	} else if offset > 0 {
		page += db.noLimit()
	}
	if offset > 0 {
		page += ` OFFSET ?`
		pageArgs = append(pageArgs, offset)
	}

	rows, err := db.sql.QueryContext(ctx, db.q(
		`SELECT r.record_json, a.app_json
		 FROM {p}records r JOIN {p}apps a ON a.app_id = r.app_id
		 WHERE r.record_id IN (`+page+`)
		 ORDER BY r.ts ASC, r.record_id ASC`), pageArgs...)
	if err != nil {
		return model.RecordsAndFeedback{}, fmt.Errorf("storage: query records: %w", err)
	}
	var out model.RecordsAndFeedback
	index := make(map[string]int)
	for rows.Next() {
		var recDoc, appDoc string
		if err := rows.Scan(&recDoc, &appDoc); err != nil {
			_ = rows.Close()
			return model.RecordsAndFeedback{}, fmt.Errorf("storage: scan record: %w", err)
		}
		var row model.RecordRow
		if err := json.Unmarshal([]byte(recDoc), &row.Record); err != nil {
			_ = rows.Close()
			return model.RecordsAndFeedback{}, fmt.Errorf("storage: decode record: %w", err)
		}
		if err := json.Unmarshal([]byte(appDoc), &row.App); err != nil {
			_ = rows.Close()
			return model.RecordsAndFeedback{}, fmt.Errorf("storage: decode app: %w", err)
		}
		row.Feedback = make(map[string]float64)
		row.Status = make(map[string]model.FeedbackStatus)
		index[row.Record.RecordID] = len(out.Rows)
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return model.RecordsAndFeedback{}, fmt.Errorf("storage: iterate records: %w", err)
	}
	_ = rows.Close()
	if len(out.Rows) == 0 {
		return out, nil
	}

	fbRows, err := db.sql.QueryContext(ctx, db.q(
		`SELECT `+feedbackColumns+` FROM {p}feedbacks WHERE record_id IN (`+page+`)`), pageArgs...)
	if err != nil {
		return model.RecordsAndFeedback{}, fmt.Errorf("storage: query record feedback: %w", err)
	}
	defer func() { _ = fbRows.Close() }()

	columns := make(map[string]string) // name -> definition id
	for fbRows.Next() {
		fb, err := scanFeedback(fbRows)
		if err != nil {
			return model.RecordsAndFeedback{}, err
		}
		i, ok := index[fb.RecordID]
		if !ok {
			continue
		}
		row := &out.Rows[i]
		row.Status[fb.Name] = fb.Status
		row.Cost = row.Cost.Add(fb.Cost)
		if fb.Status != model.StatusDone || fb.Result == nil {
			continue
		}
		row.Feedback[fb.Name] = *fb.Result
		if sec, ok := fb.Secondary(); ok {
			if row.Secondary == nil {
				row.Secondary = make(map[string]float64)
			}
			row.Secondary[fb.Name] = sec.Value
		}
		columns[fb.Name] = fb.FeedbackDefinitionID
	}
	if err := fbRows.Err(); err != nil {
		return model.RecordsAndFeedback{}, fmt.Errorf("storage: iterate record feedback: %w", err)
	}
	_ = fbRows.Close()

	direction, err := db.higherIsBetter(ctx)
	if err != nil {
		return model.RecordsAndFeedback{}, err
	}
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	out.Columns = make([]model.FeedbackColumn, 0, len(names))
	for _, name := range names {
		hib, ok := direction[columns[name]]
		if !ok {
			hib = true
		}
		out.Columns = append(out.Columns, model.FeedbackColumn{Name: name, HigherIsBetter: hib})
	}
	return out, nil
}

// higherIsBetter maps definition ids to their score direction.
func (db *DB) higherIsBetter(ctx context.Context) (map[string]bool, error) {
	rows, err := db.sql.QueryContext(ctx, db.q(`SELECT feedback_definition_id, higher_is_better FROM {p}feedback_defs`))
	if err != nil {
		return nil, fmt.Errorf("storage: query feedback directions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		var hib int
		if err := rows.Scan(&id, &hib); err != nil {
			return nil, fmt.Errorf("storage: scan feedback direction: %w", err)
		}
		out[id] = hib != 0
	}
	return out, rows.Err()
}

// Leaderboard returns, per app of appIDs (all apps when empty), the record
// count, mean latency, total app cost and the mean DONE score of every
// feedback column. Rows are ordered by app name and version.
func (db *DB) Leaderboard(ctx context.Context, appIDs []string) ([]model.LeaderboardRow, error) {
	filter := ""
	var args []any
	if len(appIDs) > 0 {
		filter = ` WHERE a.app_id IN (` + placeholders(len(appIDs)) + `)`
		for _, id := range appIDs {
			args = append(args, id)
		}
	}

	rows, err := db.sql.QueryContext(ctx, db.q(
		`SELECT a.app_id, a.app_name, a.app_version, COUNT(r.record_id),
		        COALESCE(AVG(CAST(r.latency_us AS DOUBLE PRECISION)), 0),
		        COALESCE(SUM(r.cost_usd), 0)
		 FROM {p}apps a LEFT JOIN {p}records r ON r.app_id = a.app_id`+filter+`
		 GROUP BY a.app_id, a.app_name, a.app_version
		 ORDER BY a.app_name, a.app_version`), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query leaderboard: %w", err)
	}
	var board []model.LeaderboardRow
	index := make(map[string]int)
	for rows.Next() {
		var r model.LeaderboardRow
		var latencyUS float64
		if err := rows.Scan(&r.AppID, &r.AppName, &r.AppVersion, &r.Records, &latencyUS, &r.TotalCost); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("storage: scan leaderboard: %w", err)
		}
		r.LatencyMS = latencyUS / 1000
		r.Means = make(map[string]float64)
		index[r.AppID] = len(board)
		board = append(board, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("storage: iterate leaderboard: %w", err)
	}
	_ = rows.Close()

	meanRows, err := db.sql.QueryContext(ctx, db.q(
		`SELECT a.app_id, f.name, AVG(f.result)
		 FROM {p}feedbacks f
		 JOIN {p}records r ON r.record_id = f.record_id
		 JOIN {p}apps a ON a.app_id = r.app_id`+andWhere(filter)+`f.status = 'done' AND f.result IS NOT NULL
		 GROUP BY a.app_id, f.name`), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query leaderboard means: %w", err)
	}
	defer func() { _ = meanRows.Close() }()
	for meanRows.Next() {
		var appID, name string
		var mean float64
		if err := meanRows.Scan(&appID, &name, &mean); err != nil {
			return nil, fmt.Errorf("storage: scan leaderboard mean: %w", err)
		}
		if i, ok := index[appID]; ok {
			board[i].Means[name] = mean
		}
	}
	return board, meanRows.Err()
}

// andWhere extends an optional " WHERE ..." clause so another condition can
// follow.
func andWhere(filter string) string {
	if filter == "" {
		return " WHERE "
	}
	return filter + " AND "
}
