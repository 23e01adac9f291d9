package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/hyoka/internal/ids"
	"github.com/ashita-ai/hyoka/internal/model"
)

// InsertApp upserts an app. The id is derived from name and version when empty.
func (db *DB) InsertApp(ctx context.Context, app model.App) (string, error) {
	if app.AppID == "" {
		app.AppID = ids.AppID(app.AppName, app.AppVersion)
	}
	doc, err := json.Marshal(app)
	if err != nil {
		return "", fmt.Errorf("storage: marshal app: %w", err)
	}
	err = db.retry(ctx, func() error {
		_, err := db.sql.ExecContext(ctx, db.q(
			`INSERT INTO {p}apps (app_id, app_name, app_version, app_json)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (app_id) DO UPDATE SET
			   app_name = excluded.app_name,
			   app_version = excluded.app_version,
			   app_json = excluded.app_json`),
			app.AppID, app.AppName, app.AppVersion, string(doc),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: insert app: %w", err)
	}
	return app.AppID, nil
}

// GetApp returns the app with the given id.
func (db *DB) GetApp(ctx context.Context, appID string) (model.App, error) {
	var doc string
	err := db.sql.QueryRowContext(ctx, db.q(`SELECT app_json FROM {p}apps WHERE app_id = ?`), appID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.App{}, fmt.Errorf("storage: app %s: %w", appID, ErrNotFound)
	}
	if err != nil {
		return model.App{}, fmt.Errorf("storage: get app: %w", err)
	}
	var app model.App
	if err := json.Unmarshal([]byte(doc), &app); err != nil {
		return model.App{}, fmt.Errorf("storage: decode app %s: %w", appID, err)
	}
	return app, nil
}

// GetApps returns every app ordered by name and version.
func (db *DB) GetApps(ctx context.Context) ([]model.App, error) {
	rows, err := db.sql.QueryContext(ctx, db.q(`SELECT app_json FROM {p}apps ORDER BY app_name, app_version`))
	if err != nil {
		return nil, fmt.Errorf("storage: list apps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var apps []model.App
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan app: %w", err)
		}
		var app model.App
		if err := json.Unmarshal([]byte(doc), &app); err != nil {
			return nil, fmt.Errorf("storage: decode app: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// DeleteApp removes an app together with its records and their feedback results.
func (db *DB) DeleteApp(ctx context.Context, appID string) error {
	var deleted int64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.q(
			`DELETE FROM {p}feedbacks WHERE record_id IN (SELECT record_id FROM {p}records WHERE app_id = ?)`), appID); err != nil {
			return fmt.Errorf("storage: delete app feedback: %w", err)
		}
		if _, err := tx.ExecContext(ctx, db.q(`DELETE FROM {p}records WHERE app_id = ?`), appID); err != nil {
			return fmt.Errorf("storage: delete app records: %w", err)
		}
		res, err := tx.ExecContext(ctx, db.q(`DELETE FROM {p}apps WHERE app_id = ?`), appID)
		if err != nil {
			return fmt.Errorf("storage: delete app: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("storage: app %s: %w", appID, ErrNotFound)
	}
	db.logger.Info("storage: deleted app", "app_id", appID)
	return nil
}

// InsertRecord stores an immutable record and returns its id. The id is
// derived from app id, main input and timestamp when empty. Re-inserting an
// existing record is a no-op.
func (db *DB) InsertRecord(ctx context.Context, rec model.Record) (string, error) {
	out, err := db.BatchInsertRecord(ctx, []model.Record{rec})
	if err != nil {
		return "", err
	}
	return out[0], nil
}

// BatchInsertRecord stores records in one transaction and returns their ids
// in input order.
func (db *DB) BatchInsertRecord(ctx context.Context, recs []model.Record) ([]string, error) {
	out := make([]string, len(recs))
	query := db.q(
		`INSERT INTO {p}records (record_id, app_id, input, output, record_json, tags, ts, latency_us, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (record_id) DO NOTHING`)

	err := db.retry(ctx, func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			for i, rec := range recs {
				if err := model.ValidateRecord(rec); err != nil {
					return fmt.Errorf("storage: record %d: %w", i, err)
				}
				if rec.RecordID == "" {
					id, err := ids.RecordID(rec.AppID, rec.MainInput, rec.TS)
					if err != nil {
						return fmt.Errorf("storage: record %d: %w", i, err)
					}
					rec.RecordID = id
				}
				doc, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("storage: marshal record %s: %w", rec.RecordID, err)
				}
				in, err := textOf(rec.MainInput)
				if err != nil {
					return fmt.Errorf("storage: marshal record %s input: %w", rec.RecordID, err)
				}
				outText, err := textOf(rec.MainOutput)
				if err != nil {
					return fmt.Errorf("storage: marshal record %s output: %w", rec.RecordID, err)
				}
				if _, err := tx.ExecContext(ctx, query,
					rec.RecordID, rec.AppID, in, outText, string(doc), rec.Tags,
					micros(rec.TS), rec.Perf.Latency().Microseconds(), rec.Cost.CostUSD,
				); err != nil {
					return fmt.Errorf("storage: insert record %s: %w", rec.RecordID, err)
				}
				out[i] = rec.RecordID
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRecord returns the record with the given id.
func (db *DB) GetRecord(ctx context.Context, recordID string) (model.Record, error) {
	return getRecord(ctx, db, db.sql, recordID)
}

func getRecord(ctx context.Context, db *DB, q queryer, recordID string) (model.Record, error) {
	var doc string
	err := q.QueryRowContext(ctx, db.q(`SELECT record_json FROM {p}records WHERE record_id = ?`), recordID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, fmt.Errorf("storage: record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("storage: get record: %w", err)
	}
	var rec model.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return model.Record{}, fmt.Errorf("storage: decode record %s: %w", recordID, err)
	}
	return rec, nil
}

// textOf renders a main input or output for its TEXT column: strings as-is,
// anything else as JSON.
func textOf(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
