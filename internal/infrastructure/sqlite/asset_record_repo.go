package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// AssetRecordRepo implements [domain.AssetRecordRepository] backed by SQLite.
type AssetRecordRepo struct {
	DB *sql.DB
}

func (r *AssetRecordRepo) Put(ctx context.Context, rec domain.AssetRecord) error {
	var sample []byte
	if rec.LastSample != nil {
		var err error
		sample, err = json.Marshal(rec.LastSample)
		if err != nil {
			return fmt.Errorf("marshal health sample: %w", err)
		}
	}

	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO asset_records (deployment_id, asset_id, outcome, needs_reconcile, last_sample, error_detail, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (deployment_id, asset_id) DO UPDATE SET
		   outcome = excluded.outcome,
		   needs_reconcile = excluded.needs_reconcile,
		   last_sample = excluded.last_sample,
		   error_detail = excluded.error_detail,
		   updated_at = excluded.updated_at`,
		string(rec.DeploymentID), string(rec.AssetID), string(rec.Outcome),
		boolToInt(rec.NeedsReconcile), nullString(sample), rec.ErrorDetail,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert asset record: %w", err)
	}
	return nil
}

func (r *AssetRecordRepo) Get(ctx context.Context, depID domain.DeploymentID, assetID domain.AssetID) (domain.AssetRecord, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT deployment_id, asset_id, outcome, needs_reconcile, last_sample, error_detail, updated_at
		 FROM asset_records WHERE deployment_id = ? AND asset_id = ?`,
		string(depID), string(assetID),
	)
	return scanAssetRecord(row)
}

func (r *AssetRecordRepo) ListByDeployment(ctx context.Context, depID domain.DeploymentID) ([]domain.AssetRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT deployment_id, asset_id, outcome, needs_reconcile, last_sample, error_detail, updated_at
		 FROM asset_records WHERE deployment_id = ? ORDER BY asset_id`,
		string(depID),
	)
	if err != nil {
		return nil, fmt.Errorf("list asset records: %w", err)
	}
	defer rows.Close()

	var records []domain.AssetRecord
	for rows.Next() {
		rec, err := scanAssetRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanAssetRecord(s scanner) (domain.AssetRecord, error) {
	var rec domain.AssetRecord
	var depID, assetID, outcome, errorDetail, updatedAt string
	var needsReconcile int
	var sampleJSON sql.NullString

	err := s.Scan(&depID, &assetID, &outcome, &needsReconcile, &sampleJSON, &errorDetail, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return rec, fmt.Errorf("scan asset record: %w", err)
	}

	rec.DeploymentID = domain.DeploymentID(depID)
	rec.AssetID = domain.AssetID(assetID)
	rec.Outcome = domain.AssetOutcome(outcome)
	rec.NeedsReconcile = needsReconcile != 0
	rec.ErrorDetail = errorDetail

	if sampleJSON.Valid {
		rec.LastSample = &domain.HealthSample{}
		if err := json.Unmarshal([]byte(sampleJSON.String), rec.LastSample); err != nil {
			return rec, fmt.Errorf("unmarshal health sample: %w", err)
		}
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}
