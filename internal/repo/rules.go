package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"workgate/internal/domain"
)

// UpsertRule inserts a rule or replaces its definition, bumping the stored
// version on update.
func (r Repo) UpsertRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	pattern, err := json.Marshal(rule.Pattern)
	if err != nil {
		return rule, fmt.Errorf("marshal rule pattern: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if rule.Version <= 0 {
		rule.Version = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO rules(id,project_id,category,pattern_json,enforcement,enabled,version,hint,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  category=excluded.category,
  pattern_json=excluded.pattern_json,
  enforcement=excluded.enforcement,
  enabled=excluded.enabled,
  hint=excluded.hint,
  version=rules.version+1,
  updated_at=excluded.updated_at`,
		rule.ID, rule.ProjectID, nullable(rule.Category), string(pattern), rule.Enforcement,
		boolInt(rule.Enabled), rule.Version, nullable(rule.Hint), now, now)
	if err != nil {
		return rule, err
	}
	return r.GetRule(ctx, rule.ID)
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,COALESCE(category,''),pattern_json,enforcement,enabled,version,COALESCE(hint,''),created_at,updated_at FROM rules WHERE id=?`, id)
	return scanRule(row.Scan)
}

// ListEnabledRules returns the enabled rules for a project ordered by id so
// evaluation output is reproducible.
func (r Repo) ListEnabledRules(ctx context.Context, projectID string) ([]domain.Rule, error) {
	return r.queryRules(ctx, `SELECT id,project_id,COALESCE(category,''),pattern_json,enforcement,enabled,version,COALESCE(hint,''),created_at,updated_at FROM rules WHERE project_id=? AND enabled=1 ORDER BY id`, projectID)
}

func (r Repo) ListRules(ctx context.Context, projectID string) ([]domain.Rule, error) {
	return r.queryRules(ctx, `SELECT id,project_id,COALESCE(category,''),pattern_json,enforcement,enabled,version,COALESCE(hint,''),created_at,updated_at FROM rules WHERE project_id=? ORDER BY id`, projectID)
}

func (r Repo) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET enabled=?, updated_at=? WHERE id=?`, boolInt(enabled), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) queryRules(ctx context.Context, query string, args ...any) ([]domain.Rule, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func scanRule(scan func(dest ...any) error) (domain.Rule, error) {
	var rule domain.Rule
	var pattern string
	var enabled int
	err := scan(&rule.ID, &rule.ProjectID, &rule.Category, &pattern, &rule.Enforcement,
		&enabled, &rule.Version, &rule.Hint, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(pattern), &rule.Pattern); err != nil {
		return rule, fmt.Errorf("rule %s pattern: %w", rule.ID, err)
	}
	return rule, nil
}
