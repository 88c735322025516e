package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// DeploymentRepo implements [domain.DeploymentRepository] backed by SQLite.
type DeploymentRepo struct {
	DB *sql.DB
}

const deploymentColumns = `id, patch_id, strategy, asset_ids, status, current_phase,
	 rollback_requested, rollback_reason, traffic_switched, created_at, updated_at, completed_at`

func (r *DeploymentRepo) Create(ctx context.Context, d domain.Deployment) error {
	strategy, err := json.Marshal(d.Strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	assets, err := json.Marshal(d.AssetIDs)
	if err != nil {
		return fmt.Errorf("marshal asset ids: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), string(d.PatchID), string(strategy), string(assets),
		string(d.Status), d.CurrentPhase,
		boolToInt(d.RollbackRequested), d.RollbackReason, boolToInt(d.TrafficSwitched),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt), nullTime(d.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %q: %w", d.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (r *DeploymentRepo) Get(ctx context.Context, id domain.DeploymentID) (domain.Deployment, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`,
		string(id),
	)
	return scanDeployment(row)
}

func (r *DeploymentRepo) List(ctx context.Context) ([]domain.Deployment, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

func (r *DeploymentRepo) Update(ctx context.Context, d domain.Deployment) error {
	strategy, err := json.Marshal(d.Strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	assets, err := json.Marshal(d.AssetIDs)
	if err != nil {
		return fmt.Errorf("marshal asset ids: %w", err)
	}

	// A terminal row accepts only an idempotent rewrite of its own
	// status. Guarding in the statement closes the gap between a
	// caller's read and its write, so a stale snapshot can never thaw
	// a deployment that completed in between.
	res, err := r.DB.ExecContext(ctx,
		`UPDATE deployments
		 SET patch_id = ?, strategy = ?, asset_ids = ?, status = ?, current_phase = ?,
		     rollback_requested = ?, rollback_reason = ?, traffic_switched = ?,
		     updated_at = ?, completed_at = ?
		 WHERE id = ? AND (status NOT IN (?, ?, ?) OR status = ?)`,
		string(d.PatchID), string(strategy), string(assets), string(d.Status), d.CurrentPhase,
		boolToInt(d.RollbackRequested), d.RollbackReason, boolToInt(d.TrafficSwitched),
		formatTime(d.UpdatedAt), nullTime(d.CompletedAt),
		string(d.ID),
		string(domain.DeploymentSucceeded), string(domain.DeploymentFailed), string(domain.DeploymentRolledBack),
		string(d.Status),
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		err := r.DB.QueryRowContext(ctx,
			`SELECT status FROM deployments WHERE id = ?`, string(d.ID),
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("deployment %q: %w", d.ID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update deployment: %w", err)
		}
		return fmt.Errorf("deployment %q is %s: %w", d.ID, status, domain.ErrTerminal)
	}
	return nil
}

func scanDeployment(s scanner) (domain.Deployment, error) {
	var d domain.Deployment
	var id, patchID, strategyJSON, assetsJSON, statusStr, reason, createdAt, updatedAt string
	var rollbackRequested, trafficSwitched int
	var completedAt sql.NullString

	err := s.Scan(&id, &patchID, &strategyJSON, &assetsJSON, &statusStr, &d.CurrentPhase,
		&rollbackRequested, &reason, &trafficSwitched, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return d, fmt.Errorf("scan deployment: %w", err)
	}

	d.ID = domain.DeploymentID(id)
	d.PatchID = domain.PatchID(patchID)
	d.Status = domain.DeploymentStatus(statusStr)
	d.RollbackRequested = rollbackRequested != 0
	d.RollbackReason = reason
	d.TrafficSwitched = trafficSwitched != 0

	if err := json.Unmarshal([]byte(strategyJSON), &d.Strategy); err != nil {
		return d, fmt.Errorf("unmarshal strategy: %w", err)
	}
	if err := json.Unmarshal([]byte(assetsJSON), &d.AssetIDs); err != nil {
		return d, fmt.Errorf("unmarshal asset ids: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, fmt.Errorf("parse created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return d, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return d, fmt.Errorf("parse completed_at: %w", err)
		}
		d.CompletedAt = &t
	}
	return d, nil
}
