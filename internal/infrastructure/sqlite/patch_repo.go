package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oness24/vulnzero-engine-sub002/internal/domain"
)

// PatchRepo implements [domain.PatchSource] over the handoff table the
// upstream patch generator writes into. This core only reads it, except
// for Put which exists for seeding and tests.
type PatchRepo struct {
	DB *sql.DB
}

func (r *PatchRepo) Get(ctx context.Context, id domain.PatchID) (domain.Patch, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, apply_script, rollback_script, approval, confidence FROM patches WHERE id = ?`,
		string(id),
	)

	var p domain.Patch
	var pid, apply, rollback, approval string
	if err := row.Scan(&pid, &apply, &rollback, &approval, &p.Confidence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fmt.Errorf("patch %q: %w", id, domain.ErrNotFound)
		}
		return p, fmt.Errorf("scan patch: %w", err)
	}
	p.ID = domain.PatchID(pid)
	p.ApplyScript = domain.PatchScript(apply)
	p.RollbackScript = domain.PatchScript(rollback)
	p.Approval = domain.ApprovalState(approval)
	return p, nil
}

func (r *PatchRepo) Put(ctx context.Context, p domain.Patch) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO patches (id, apply_script, rollback_script, approval, confidence)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   apply_script = excluded.apply_script,
		   rollback_script = excluded.rollback_script,
		   approval = excluded.approval,
		   confidence = excluded.confidence`,
		string(p.ID), string(p.ApplyScript), string(p.RollbackScript),
		string(p.Approval), p.Confidence,
	)
	if err != nil {
		return fmt.Errorf("upsert patch: %w", err)
	}
	return nil
}
