package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"docvault/api/internal/access"
	"docvault/api/internal/auth"
	"docvault/api/internal/authpw"
	"docvault/api/internal/blob"
	"docvault/api/internal/config"
	"docvault/api/internal/search"
	"docvault/api/internal/store"
)

// Session is an authenticated caller, as resolved from a bearer token.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Login        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByLogin(ctx context.Context, login string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)

	InsertProject(ctx context.Context, project store.Project) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error)
	UpdateProject(ctx context.Context, projectID string, name, description *string) error
	DeleteProject(ctx context.Context, projectID string) error

	UpsertAccess(ctx context.Context, grant store.ProjectAccess) error
	HasActiveGrant(ctx context.Context, projectID, userID string) (bool, error)
	ListAccess(ctx context.Context, projectID string) ([]store.AccessEntry, error)
	DeleteAccess(ctx context.Context, projectID, userID string) (bool, error)

	InsertDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetDocumentByName(ctx context.Context, projectID, name string) (store.Document, error)
	ListDocumentsByProject(ctx context.Context, projectID string) ([]store.Document, error)
	ListAllDocuments(ctx context.Context) ([]store.Document, error)
	RenameDocument(ctx context.Context, documentID, newName string) error
	DeleteDocument(ctx context.Context, documentID string) error

	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens; Redis in production, Postgres fallback.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
	ReindexAll(docs []search.DocumentRecord)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	blobs     blob.Store
	sessions  sessionStore
	passwords *authpw.Service
	search    searchIndex
}

func New(cfg config.Config, dataStore *store.PostgresStore, blobs blob.Store, searchService *search.Service) *Service {
	service := &Service{
		cfg:       cfg,
		store:     dataStore,
		blobs:     blobs,
		sessions:  dataStore,
		passwords: authpw.NewService(dataStore),
	}
	if searchService != nil {
		service.search = searchService
	}
	return service
}

// NewWithSessionStore uses a dedicated refresh-token backend (Redis) instead
// of the relational store.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, blobs blob.Store, searchService *search.Service) *Service {
	service := New(cfg, dataStore, blobs, searchService)
	service.sessions = sessions
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// blobKey derives the storage key for a document. Renames move the object.
func blobKey(projectID, name string) string {
	return fmt.Sprintf("project-docs/%s/%s", projectID, name)
}

// accessError translates authorization results into API errors. Existence is
// checked before permission, so missing projects are 404 for everyone.
func accessError(err error) error {
	switch {
	case errors.Is(err, access.ErrNotFound):
		return errNotFound("Project not found")
	case errors.Is(err, access.ErrForbidden):
		return errForbidden()
	default:
		return err
	}
}

// --- Auth and sessions ---

func (s *Service) Register(ctx context.Context, login, password string) (map[string]any, error) {
	user, err := s.passwords.Register(ctx, login, password)
	if err != nil {
		if errors.Is(err, authpw.ErrLoginTaken) {
			return nil, errConflict("Login already registered")
		}
		return nil, errBadRequest(err.Error())
	}
	return map[string]any{"id": user.ID, "login": user.Login}, nil
}

func (s *Service) Login(ctx context.Context, login, password string) (Session, error) {
	user, err := s.passwords.Authenticate(ctx, login, password)
	if err != nil {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", "Invalid login or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	token, jti, expiresAt, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Login, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken, err := randomToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, refreshExpiry); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Login:        user.Login,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates a bearer token and rejects revoked JTIs.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Subject,
		Login:     claims.Login,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Refresh rotates the refresh token and issues a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	stub, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, stub.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return Session{}, fmt.Errorf("rotate refresh session: %w", err)
	}
	return s.issueSession(ctx, user)
}

// Logout revokes both the refresh token and the live access token.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return fmt.Errorf("revoke refresh session: %w", err)
		}
	}
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}
	return nil
}

func (s *Service) CurrentUser(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("User not found")
		}
		return nil, err
	}
	return map[string]any{"id": user.ID, "login": user.Login}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// --- Projects ---

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"ownerId":     p.OwnerID,
	}
}

func (s *Service) CreateProject(ctx context.Context, userID, name, description string) (map[string]any, error) {
	if name == "" {
		return nil, errValidation("name is required")
	}
	project := store.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		OwnerID:     userID,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) ListProjects(ctx context.Context, userID string) (map[string]any, error) {
	projects, err := s.store.ListProjectsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectPayload(p))
	}
	return map[string]any{"projects": items}, nil
}

func (s *Service) GetProject(ctx context.Context, userID, projectID string) (map[string]any, error) {
	project, err := access.ResolveViewer(ctx, s.store, userID, projectID)
	if err != nil {
		return nil, accessError(err)
	}
	return projectPayload(project), nil
}

// UpdateProject applies a partial update: nil fields stay unchanged, a
// present empty description clears the stored one.
func (s *Service) UpdateProject(ctx context.Context, userID, projectID string, name, description *string) (map[string]any, error) {
	if _, err := access.ResolveOwner(ctx, s.store, userID, projectID); err != nil {
		return nil, accessError(err)
	}
	if name != nil && *name == "" {
		return nil, errValidation("name must not be blank")
	}
	if err := s.store.UpdateProject(ctx, projectID, name, description); err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

// DeleteProject removes the project row; the schema cascades grants and
// document rows. Document objects get a best-effort storage sweep first; a
// failed sweep leaves recoverable orphans, never a failed delete.
func (s *Service) DeleteProject(ctx context.Context, userID, projectID string) error {
	if _, err := access.ResolveOwner(ctx, s.store, userID, projectID); err != nil {
		return accessError(err)
	}

	docs, err := s.store.ListDocumentsByProject(ctx, projectID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := s.blobs.Remove(ctx, blobKey(projectID, doc.Name)); err != nil {
			log.Printf("project %s: orphaned blob %s: %v", projectID, blobKey(projectID, doc.Name), err)
		}
	}

	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	if s.search != nil {
		for _, doc := range docs {
			s.search.DeleteDocument(doc.ID)
		}
	}
	return nil
}

// --- Access grants ---

// GrantAccessByUserID upserts an active grant without validating the target;
// a stray row for the owner is tolerated and deduplicated on listing.
func (s *Service) GrantAccessByUserID(ctx context.Context, ownerID, projectID, targetUserID string) error {
	if _, err := access.ResolveOwner(ctx, s.store, ownerID, projectID); err != nil {
		return accessError(err)
	}
	return s.store.UpsertAccess(ctx, store.ProjectAccess{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    targetUserID,
		CanAccess: true,
	})
}

// GrantAccessByLogin resolves the login first and silently ignores attempts
// to grant the owner; owner access is implicit, never a row. canAccess=false
// stores a suspended grant, distinct from a revoked one.
func (s *Service) GrantAccessByLogin(ctx context.Context, ownerID, projectID, login string, canAccess bool) error {
	project, err := access.ResolveOwner(ctx, s.store, ownerID, projectID)
	if err != nil {
		return accessError(err)
	}
	target, err := s.store.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("User not found")
		}
		return err
	}
	if target.ID == project.OwnerID {
		return nil
	}
	return s.store.UpsertAccess(ctx, store.ProjectAccess{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    target.ID,
		CanAccess: canAccess,
	})
}

// ListAccess returns the owner (synthesized, always first) followed by every
// stored grant. A stray stored row for the owner is dropped.
func (s *Service) ListAccess(ctx context.Context, ownerID, projectID string) (map[string]any, error) {
	project, err := access.ResolveOwner(ctx, s.store, ownerID, projectID)
	if err != nil {
		return nil, accessError(err)
	}
	owner, err := s.store.GetUserByID(ctx, project.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	entries, err := s.store.ListAccess(ctx, projectID)
	if err != nil {
		return nil, err
	}

	items := []map[string]any{
		{"userId": owner.ID, "login": owner.Login, "canAccess": true},
	}
	for _, e := range entries {
		if e.UserID == owner.ID {
			continue
		}
		items = append(items, map[string]any{"userId": e.UserID, "login": e.Login, "canAccess": e.CanAccess})
	}
	return map[string]any{"access": items}, nil
}

func (s *Service) RevokeAccess(ctx context.Context, ownerID, projectID, targetUserID string) error {
	if _, err := access.ResolveOwner(ctx, s.store, ownerID, projectID); err != nil {
		return accessError(err)
	}
	existed, err := s.store.DeleteAccess(ctx, projectID, targetUserID)
	if err != nil {
		return err
	}
	if !existed {
		return errNotFound("Access not found")
	}
	return nil
}

// --- Documents ---

// UploadFile is one file in an upload batch. Open is called at most once,
// when the bytes are actually written to storage.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Download is a readable document returned to the transport layer.
type Download struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// UploadDocuments stores each file's bytes and inserts a metadata row for new
// names. Files are processed sequentially and the batch stops at the first
// conflicting name, leaving earlier files applied; validate=true pre-checks
// every name before any byte is written.
func (s *Service) UploadDocuments(ctx context.Context, userID, projectID string, files []UploadFile, overwrite, validate bool) (map[string]any, error) {
	if err := access.Check(ctx, s.store, userID, projectID); err != nil {
		return nil, accessError(err)
	}

	if validate {
		seen := make(map[string]bool, len(files))
		for _, f := range files {
			if f.Name == "" {
				return nil, errBadRequest("filename missing")
			}
			// A name repeated within the batch conflicts with itself: the
			// earlier occurrence would land before the later one is checked.
			if seen[f.Name] && !overwrite {
				return nil, errConflict(fmt.Sprintf("File already exists: %s", f.Name))
			}
			seen[f.Name] = true
			if _, err := s.store.GetDocumentByName(ctx, projectID, f.Name); err == nil {
				if !overwrite {
					return nil, errConflict(fmt.Sprintf("File already exists: %s", f.Name))
				}
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
		}
	}

	created := make([]map[string]any, 0, len(files))
	for _, f := range files {
		if f.Name == "" {
			return nil, errBadRequest("filename missing")
		}

		existing, err := s.store.GetDocumentByName(ctx, projectID, f.Name)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if exists && !overwrite {
			return nil, errConflict(fmt.Sprintf("File already exists: %s", f.Name))
		}

		body, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", f.Name, err)
		}
		err = s.blobs.Put(ctx, blobKey(projectID, f.Name), body, f.Size, f.ContentType)
		_ = body.Close()
		if err != nil {
			return nil, err
		}

		doc := existing
		if !exists {
			doc = store.Document{
				ID:        uuid.NewString(),
				ProjectID: projectID,
				Name:      f.Name,
			}
			if err := s.store.InsertDocument(ctx, doc); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return nil, errConflict(fmt.Sprintf("File already exists: %s", f.Name))
				}
				return nil, err
			}
		}
		if s.search != nil {
			s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Name: doc.Name, ProjectID: projectID})
		}
		created = append(created, map[string]any{"id": doc.ID, "name": doc.Name})
	}

	return map[string]any{"projectId": projectID, "files": created}, nil
}

// DownloadDocument resolves the row, checks viewer access on its project and
// streams the object. A row whose object is gone is reported, not masked.
func (s *Service) DownloadDocument(ctx context.Context, userID, documentID string) (Download, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Download{}, errNotFound("Document not found")
		}
		return Download{}, err
	}
	if err := access.Check(ctx, s.store, userID, doc.ProjectID); err != nil {
		return Download{}, accessError(err)
	}

	object, err := s.blobs.Get(ctx, blobKey(doc.ProjectID, doc.Name))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Download{}, errStorageNotFound()
		}
		return Download{}, err
	}
	return Download{
		Name:        doc.Name,
		ContentType: object.ContentType,
		Size:        object.Size,
		Body:        object.Body,
	}, nil
}

// UpdateDocument replaces content, renames, or both. Renaming moves the
// object to the key derived from the new name; deleting the old key is
// best-effort because the relational state is authoritative.
func (s *Service) UpdateDocument(ctx context.Context, userID, documentID string, file *UploadFile, newName string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Document not found")
		}
		return nil, err
	}
	if err := access.Check(ctx, s.store, userID, doc.ProjectID); err != nil {
		return nil, accessError(err)
	}

	oldKey := blobKey(doc.ProjectID, doc.Name)

	// Content replace: same name, new bytes.
	if newName == "" || newName == doc.Name {
		if file == nil {
			return nil, errBadRequest("no file provided")
		}
		body, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}
		err = s.blobs.Put(ctx, oldKey, body, file.Size, file.ContentType)
		_ = body.Close()
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": "content updated", "id": doc.ID, "name": doc.Name}, nil
	}

	// Rename: refuse up front when the target name is taken, so the old
	// object is not destroyed on a doomed request. The unique constraint
	// still backstops races.
	if _, err := s.store.GetDocumentByName(ctx, doc.ProjectID, newName); err == nil {
		return nil, errConflict(fmt.Sprintf("File already exists: %s", newName))
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	newKey := blobKey(doc.ProjectID, newName)
	if file != nil {
		body, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}
		err = s.blobs.Put(ctx, newKey, body, file.Size, file.ContentType)
		_ = body.Close()
		if err != nil {
			return nil, err
		}
	} else {
		if err := s.blobs.Copy(ctx, oldKey, newKey); err != nil {
			return nil, err
		}
	}

	if err := s.blobs.Remove(ctx, oldKey); err != nil {
		log.Printf("document %s: leftover blob %s: %v", doc.ID, oldKey, err)
	}

	if err := s.store.RenameDocument(ctx, doc.ID, newName); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errConflict(fmt.Sprintf("File already exists: %s", newName))
		}
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Name: newName, ProjectID: doc.ProjectID})
	}
	return map[string]any{"message": "renamed", "id": doc.ID, "name": newName}, nil
}

// DeleteDocument removes the object first, then the row: a crash in between
// leaves a dangling row caught lazily on download, never an unreachable blob.
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Document not found")
		}
		return err
	}
	if err := access.Check(ctx, s.store, userID, doc.ProjectID); err != nil {
		return accessError(err)
	}

	key := blobKey(doc.ProjectID, doc.Name)
	if err := s.blobs.Remove(ctx, key); err != nil {
		log.Printf("document %s: leftover blob %s: %v", doc.ID, key, err)
	}
	if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDocument(doc.ID)
	}
	return nil
}

func (s *Service) ListDocuments(ctx context.Context, userID, projectID string) (map[string]any, error) {
	if err := access.Check(ctx, s.store, userID, projectID); err != nil {
		return nil, accessError(err)
	}
	docs, err := s.store.ListDocumentsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		items = append(items, map[string]any{"id": d.ID, "name": d.Name, "projectId": d.ProjectID})
	}
	return map[string]any{"projectId": projectID, "documents": items}, nil
}

// SearchDocuments searches document names across the caller's visible
// projects, optionally narrowed to one project.
func (s *Service) SearchDocuments(ctx context.Context, userID, text, projectID string, limit int) (search.Response, error) {
	if projectID != "" {
		if err := access.Check(ctx, s.store, userID, projectID); err != nil {
			return search.Response{}, accessError(err)
		}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	projects, err := s.store.ListProjectsForUser(ctx, userID)
	if err != nil {
		return search.Response{}, err
	}
	visible := make([]string, 0, len(projects))
	for _, p := range projects {
		visible = append(visible, p.ID)
	}

	return s.search.Search(ctx, search.Query{
		Text:              text,
		ProjectID:         projectID,
		VisibleProjectIDs: visible,
		Limit:             limit,
	}), nil
}

// Bootstrap rebuilds the search index from the relational store; called once
// at startup.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	docs, err := s.store.ListAllDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list documents for reindex: %w", err)
	}
	records := make([]search.DocumentRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, search.DocumentRecord{ID: d.ID, Name: d.Name, ProjectID: d.ProjectID})
	}
	s.search.ReindexAll(records)
	return nil
}
