package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"workgate/internal/config"
	"workgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale signals the compare-and-swap on an entity's status/phase lost to a
// concurrent writer. Safe for the caller to retry against fresh state.
var ErrStale = errors.New("entity changed concurrently")

const entityColumns = `id,project_id,parent_id,type,kind,title,COALESCE(description,''),status,phase,metadata_json,created_at,updated_at,completed_at`

func scanEntity(scan func(dest ...any) error) (domain.Entity, error) {
	var e domain.Entity
	var parentID, kind, phase, metadata, completedAt sql.NullString
	err := scan(&e.ID, &e.ProjectID, &parentID, &e.Type, &kind, &e.Title, &e.Description,
		&e.Status, &phase, &metadata, &e.CreatedAt, &e.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if parentID.Valid {
		e.ParentID = &parentID.String
	}
	if kind.Valid {
		e.Kind = kind.String
	}
	if phase.Valid {
		p := domain.Phase(phase.String)
		e.Phase = &p
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("entity %s metadata: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entities(id,project_id,parent_id,type,kind,title,description,status,phase,metadata_json,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, nullableStringPtr(e.ParentID), e.Type, nullable(e.Kind), e.Title, nullable(e.Description),
		e.Status, nullablePhasePtr(e.Phase), metadata, e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.CompletedAt))
	return err
}

// GetEntity loads the entity and its dependency ids.
func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id)
	e, err := scanEntity(row.Scan)
	if err != nil {
		return e, err
	}
	e.Dependencies, err = r.ListDependencies(ctx, id)
	return e, err
}

func (r Repo) ListEntities(ctx context.Context, projectID string, entityType domain.EntityType) ([]domain.Entity, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if entityType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, entityType)
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	return r.queryEntities(ctx, query, args...)
}

// SingleProject returns the project entity when the database holds exactly
// one. ErrNotFound otherwise, so callers can ask for an explicit project id.
func (r Repo) SingleProject(ctx context.Context) (domain.Entity, error) {
	projects, err := r.queryEntities(ctx, `SELECT `+entityColumns+` FROM entities WHERE type=? LIMIT 2`, domain.EntityProject)
	if err != nil {
		return domain.Entity{}, err
	}
	if len(projects) != 1 {
		return domain.Entity{}, ErrNotFound
	}
	return projects[0], nil
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.Entity, error) {
	return r.queryEntities(ctx, `SELECT `+entityColumns+` FROM entities WHERE parent_id=? ORDER BY created_at, id`, parentID)
}

func (r Repo) queryEntities(ctx context.Context, query string, args ...any) ([]domain.Entity, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpdateEntityState writes the new status/phase with a compare-and-swap on
// the previous values. Per-entity write serialization happens here: a
// concurrent transition that committed first makes this return ErrStale.
func (r Repo) UpdateEntityState(ctx context.Context, tx *sql.Tx, e domain.Entity, prevStatus domain.Status, prevPhase *domain.Phase) error {
	res, err := tx.ExecContext(ctx, `UPDATE entities SET status=?, phase=?, updated_at=?, completed_at=? WHERE id=? AND status=? AND COALESCE(phase,'')=?`,
		e.Status, nullablePhasePtr(e.Phase), e.UpdatedAt, nullableStringPtr(e.CompletedAt),
		e.ID, prevStatus, phaseOrEmpty(prevPhase))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) UpdateEntityMetadata(ctx context.Context, id string, description *string, metadata map[string]string) error {
	e, err := r.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	if description != nil {
		e.Description = *description
	}
	if metadata != nil {
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		for k, v := range metadata {
			if v == "" {
				delete(e.Metadata, k)
				continue
			}
			e.Metadata[k] = v
		}
	}
	payload, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE entities SET description=?, metadata_json=?, updated_at=? WHERE id=?`,
		nullable(e.Description), payload, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- dependencies ---

// DependencyState pairs a dependency id with its current status.
type DependencyState struct {
	ID     string
	Status domain.Status
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, entityID string, deps []string) error {
	for _, dep := range deps {
		if dep == entityID {
			return fmt.Errorf("entity %s cannot depend on itself", entityID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entity_dependencies(entity_id,depends_on) VALUES (?,?)`, entityID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveDependencies(ctx context.Context, tx *sql.Tx, entityID string, deps []string) error {
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entity_dependencies WHERE entity_id=? AND depends_on=?`, entityID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListDependencies(ctx context.Context, entityID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on FROM entity_dependencies WHERE entity_id=? ORDER BY depends_on`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		res = append(res, dep)
	}
	return res, rows.Err()
}

// ListDependencyStates returns each dependency with its current status.
func (r Repo) ListDependencyStates(ctx context.Context, entityID string) ([]DependencyState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.depends_on, e.status FROM entity_dependencies d
JOIN entities e ON e.id = d.depends_on WHERE d.entity_id=? ORDER BY d.depends_on`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DependencyState
	for rows.Next() {
		var ds DependencyState
		if err := rows.Scan(&ds.ID, &ds.Status); err != nil {
			return nil, err
		}
		res = append(res, ds)
	}
	return res, rows.Err()
}

// --- blockers ---

func (r Repo) InsertBlocker(ctx context.Context, tx *sql.Tx, b domain.Blocker) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO blockers(id,entity_id,summary,resolved,created_at,resolved_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.EntityID, b.Summary, boolInt(b.Resolved), b.CreatedAt, nullableStringPtr(b.ResolvedAt))
	return err
}

func (r Repo) ResolveBlocker(ctx context.Context, tx *sql.Tx, id, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE blockers SET resolved=1, resolved_at=? WHERE id=? AND resolved=0`, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetBlocker(ctx context.Context, id string) (domain.Blocker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,entity_id,summary,resolved,created_at,resolved_at FROM blockers WHERE id=?`, id)
	return scanBlocker(row.Scan)
}

func (r Repo) ListOpenBlockers(ctx context.Context, entityID string) ([]domain.Blocker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,summary,resolved,created_at,resolved_at FROM blockers WHERE entity_id=? AND resolved=0 ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Blocker
	for rows.Next() {
		b, err := scanBlocker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func scanBlocker(scan func(dest ...any) error) (domain.Blocker, error) {
	var b domain.Blocker
	var resolved int
	var resolvedAt sql.NullString
	err := scan(&b.ID, &b.EntityID, &b.Summary, &resolved, &b.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Resolved = resolved != 0
	if resolvedAt.Valid {
		b.ResolvedAt = &resolvedAt.String
	}
	return b, nil
}

// --- project config ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- helpers ---

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullablePhasePtr(p *domain.Phase) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func phaseOrEmpty(p *domain.Phase) string {
	if p == nil {
		return ""
	}
	return string(*p)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
