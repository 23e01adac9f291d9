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

// InsertDataset upserts a dataset. The id is derived from its name when empty.
func (db *DB) InsertDataset(ctx context.Context, ds model.Dataset) (string, error) {
	if ds.DatasetID == "" {
		ds.DatasetID = ids.DatasetID(ds.Name)
	}
	meta, err := jsonText(ds.Meta)
	if err != nil {
		return "", fmt.Errorf("storage: marshal dataset meta: %w", err)
	}
	err = db.retry(ctx, func() error {
		_, err := db.sql.ExecContext(ctx, db.q(
			`INSERT INTO {p}datasets (dataset_id, name, meta) VALUES (?, ?, ?)
			 ON CONFLICT (dataset_id) DO UPDATE SET name = excluded.name, meta = excluded.meta`),
			ds.DatasetID, ds.Name, meta,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: insert dataset: %w", err)
	}
	return ds.DatasetID, nil
}

// GetDatasets returns every dataset ordered by name.
func (db *DB) GetDatasets(ctx context.Context) ([]model.Dataset, error) {
	rows, err := db.sql.QueryContext(ctx, db.q(`SELECT dataset_id, name, meta FROM {p}datasets ORDER BY name`))
	if err != nil {
		return nil, fmt.Errorf("storage: list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Dataset
	for rows.Next() {
		var ds model.Dataset
		var meta string
		if err := rows.Scan(&ds.DatasetID, &ds.Name, &meta); err != nil {
			return nil, fmt.Errorf("storage: scan dataset: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &ds.Meta); err != nil {
			return nil, fmt.Errorf("storage: decode dataset %s meta: %w", ds.DatasetID, err)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// InsertGroundTruth upserts one ground-truth row and returns its id.
func (db *DB) InsertGroundTruth(ctx context.Context, gt model.GroundTruth) (string, error) {
	out, err := db.BatchInsertGroundTruth(ctx, []model.GroundTruth{gt})
	if err != nil {
		return "", err
	}
	return out[0], nil
}

// BatchInsertGroundTruth upserts ground-truth rows in one transaction. Ids
// are derived from dataset, query and query id when empty.
func (db *DB) BatchInsertGroundTruth(ctx context.Context, gts []model.GroundTruth) ([]string, error) {
	out := make([]string, len(gts))
	query := db.q(
		`INSERT INTO {p}ground_truth
		   (ground_truth_id, dataset_id, query, query_id, expected_response, expected_chunks, expected_score, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ground_truth_id) DO UPDATE SET
		   expected_response = excluded.expected_response,
		   expected_chunks = excluded.expected_chunks,
		   expected_score = excluded.expected_score,
		   meta = excluded.meta`)

	err := db.retry(ctx, func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			for i, gt := range gts {
				if gt.DatasetID == "" {
					return fmt.Errorf("storage: ground truth %d: dataset_id is required", i)
				}
				if gt.GroundTruthID == "" {
					gt.GroundTruthID = ids.GroundTruthID(gt.DatasetID, gt.Query, gt.QueryID)
				}
				chunks, err := jsonText(nonNil(gt.ExpectedChunks))
				if err != nil {
					return fmt.Errorf("storage: marshal expected chunks: %w", err)
				}
				meta, err := jsonText(gt.Meta)
				if err != nil {
					return fmt.Errorf("storage: marshal ground truth meta: %w", err)
				}
				var score sql.NullFloat64
				if gt.ExpectedScore != nil {
					score = sql.NullFloat64{Float64: *gt.ExpectedScore, Valid: true}
				}
				if _, err := tx.ExecContext(ctx, query,
					gt.GroundTruthID, gt.DatasetID, gt.Query, gt.QueryID, gt.ExpectedResponse, chunks, score, meta,
				); err != nil {
					return fmt.Errorf("storage: insert ground truth %s: %w", gt.GroundTruthID, err)
				}
				out[i] = gt.GroundTruthID
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const groundTruthColumns = `ground_truth_id, dataset_id, query, query_id, expected_response, expected_chunks, expected_score, meta`

// GetGroundTruth returns one ground-truth row by id.
func (db *DB) GetGroundTruth(ctx context.Context, id string) (model.GroundTruth, error) {
	gt, err := scanGroundTruth(db.sql.QueryRowContext(ctx,
		db.q(`SELECT `+groundTruthColumns+` FROM {p}ground_truth WHERE ground_truth_id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.GroundTruth{}, fmt.Errorf("storage: ground truth %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.GroundTruth{}, fmt.Errorf("storage: get ground truth: %w", err)
	}
	return gt, nil
}

// GetGroundTruthsByDataset returns the rows of a dataset ordered by query id and query.
func (db *DB) GetGroundTruthsByDataset(ctx context.Context, datasetID string) ([]model.GroundTruth, error) {
	rows, err := db.sql.QueryContext(ctx, db.q(
		`SELECT `+groundTruthColumns+` FROM {p}ground_truth WHERE dataset_id = ? ORDER BY query_id, query`), datasetID)
	if err != nil {
		return nil, fmt.Errorf("storage: list ground truth: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.GroundTruth
	for rows.Next() {
		gt, err := scanGroundTruth(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan ground truth: %w", err)
		}
		out = append(out, gt)
	}
	return out, rows.Err()
}

func scanGroundTruth(row rowScanner) (model.GroundTruth, error) {
	var gt model.GroundTruth
	var chunks, meta string
	var score sql.NullFloat64
	if err := row.Scan(&gt.GroundTruthID, &gt.DatasetID, &gt.Query, &gt.QueryID,
		&gt.ExpectedResponse, &chunks, &score, &meta); err != nil {
		return model.GroundTruth{}, err
	}
	if err := json.Unmarshal([]byte(chunks), &gt.ExpectedChunks); err != nil {
		return model.GroundTruth{}, err
	}
	if err := json.Unmarshal([]byte(meta), &gt.Meta); err != nil {
		return model.GroundTruth{}, err
	}
	if len(gt.ExpectedChunks) == 0 {
		gt.ExpectedChunks = nil
	}
	if score.Valid {
		v := score.Float64
		gt.ExpectedScore = &v
	}
	return gt, nil
}
