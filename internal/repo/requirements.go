package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"workgate/internal/domain"
)

func (r Repo) UpsertPhaseRequirement(ctx context.Context, tx *sql.Tx, req domain.PhaseRequirement) error {
	kinds, err := json.Marshal(req.RequiredKinds)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(req.RequiredFields)
	if err != nil {
		return err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO phase_requirements(entity_type,phase,required_kinds_json,required_fields_json) VALUES (?,?,?,?)
ON CONFLICT(entity_type,phase) DO UPDATE SET required_kinds_json=excluded.required_kinds_json, required_fields_json=excluded.required_fields_json`,
		req.EntityType, req.Phase, string(kinds), string(fields))
	return err
}

// ReplacePhaseRequirements swaps the full requirement set, used when a
// project config is imported.
func (r Repo) ReplacePhaseRequirements(ctx context.Context, tx *sql.Tx, reqs []domain.PhaseRequirement) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM phase_requirements`); err != nil {
		return err
	}
	for _, req := range reqs {
		if err := r.UpsertPhaseRequirement(ctx, tx, req); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetPhaseRequirement(ctx context.Context, entityType domain.EntityType, phase domain.Phase) (domain.PhaseRequirement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT entity_type,phase,required_kinds_json,required_fields_json FROM phase_requirements WHERE entity_type=? AND phase=?`, entityType, phase)
	return scanPhaseRequirement(row.Scan)
}

func (r Repo) ListPhaseRequirements(ctx context.Context) ([]domain.PhaseRequirement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT entity_type,phase,required_kinds_json,required_fields_json FROM phase_requirements ORDER BY entity_type, phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseRequirement
	for rows.Next() {
		req, err := scanPhaseRequirement(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func scanPhaseRequirement(scan func(dest ...any) error) (domain.PhaseRequirement, error) {
	var req domain.PhaseRequirement
	var kinds, fields sql.NullString
	err := scan(&req.EntityType, &req.Phase, &kinds, &fields)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if kinds.Valid && kinds.String != "" {
		if err := json.Unmarshal([]byte(kinds.String), &req.RequiredKinds); err != nil {
			return req, fmt.Errorf("phase requirement %s/%s kinds: %w", req.EntityType, req.Phase, err)
		}
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &req.RequiredFields); err != nil {
			return req, fmt.Errorf("phase requirement %s/%s fields: %w", req.EntityType, req.Phase, err)
		}
	}
	return req, nil
}
