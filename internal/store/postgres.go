package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate maps the Postgres unique-constraint violation (23505) so
// callers can turn lost races and name collisions into conflicts.
var ErrDuplicate = errors.New("duplicate row")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, login, password_hash)
		VALUES ($1, $2, $3)
	`, user.ID, user.Login, user.PasswordHash)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByLogin(ctx context.Context, login string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, created_at FROM users WHERE login=$1
	`, login).Scan(&user.ID, &user.Login, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Login, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Projects

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id)
		VALUES ($1, $2, NULLIF($3, ''), $4)
	`, project.ID, project.Name, project.Description, project.OwnerID)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), owner_id, created_at
		FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.Description, &project.OwnerID, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

// ListProjectsForUser returns every project the user owns or holds an active
// grant on. DISTINCT guards against a stray grant row for the owner.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.id, p.name, COALESCE(p.description, ''), p.owner_id, p.created_at
		FROM projects p
		LEFT JOIN project_accesses pa ON pa.project_id = p.id
		WHERE p.owner_id = $1
			OR (pa.user_id = $1 AND pa.can_access = TRUE)
		ORDER BY p.created_at, p.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject applies a partial update: nil pointers leave the stored value
// unchanged, a present empty description clears it.
func (s *PostgresStore) UpdateProject(ctx context.Context, projectID string, name, description *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = COALESCE($2, name),
			description = CASE WHEN $3::text IS NULL THEN description ELSE NULLIF($3, '') END
		WHERE id = $1
	`, projectID, name, description)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// Access grants

func (s *PostgresStore) UpsertAccess(ctx context.Context, grant ProjectAccess) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_accesses (id, project_id, user_id, can_access)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, user_id) DO UPDATE SET can_access = EXCLUDED.can_access
	`, grant.ID, grant.ProjectID, grant.UserID, grant.CanAccess)
	if err != nil {
		return fmt.Errorf("upsert access: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasActiveGrant(ctx context.Context, projectID, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM project_accesses
			WHERE project_id=$1 AND user_id=$2 AND can_access=TRUE
		)
	`, projectID, userID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check grant: %w", err)
	}
	return active, nil
}

func (s *PostgresStore) ListAccess(ctx context.Context, projectID string) ([]AccessEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.login, pa.can_access
		FROM project_accesses pa
		JOIN users u ON u.id = pa.user_id
		WHERE pa.project_id = $1
		ORDER BY u.login
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	defer rows.Close()

	var entries []AccessEntry
	for rows.Next() {
		var e AccessEntry
		if err := rows.Scan(&e.UserID, &e.Login, &e.CanAccess); err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteAccess reports whether a grant row actually existed.
func (s *PostgresStore) DeleteAccess(ctx context.Context, projectID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM project_accesses WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("delete access: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete access rows: %w", err)
	}
	return affected > 0, nil
}

// Documents

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, name)
		VALUES ($1, $2, $3)
	`, doc.ID, doc.ProjectID, doc.Name)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, created_at FROM documents WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.ProjectID, &doc.Name, &doc.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) GetDocumentByName(ctx context.Context, projectID, name string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, created_at
		FROM documents WHERE project_id=$1 AND name=$2
	`, projectID, name).Scan(&doc.ID, &doc.ProjectID, &doc.Name, &doc.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) ListDocumentsByProject(ctx context.Context, projectID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, created_at
		FROM documents WHERE project_id=$1
		ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ListAllDocuments feeds the startup search reindex.
func (s *PostgresStore) ListAllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, created_at
		FROM documents
		ORDER BY project_id, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list all documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) RenameDocument(ctx context.Context, documentID, newName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET name=$2 WHERE id=$1
	`, documentID, newName)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.login, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Login, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Access-token revocation (logout invalidates the live JWT by JTI)

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
