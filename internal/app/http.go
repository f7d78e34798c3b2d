package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docvault/api/internal/auth"
)

// Upload bodies are buffered to memory up to this threshold; larger parts
// spill to temp files.
const maxUploadMemory = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		var body struct {
			Login    string `json:"login"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Register(r.Context(), body.Login, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Login    string `json:"login"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Login, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"userId":       session.UserID,
			"login":        session.Login,
			"expiresAt":    session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"login":        session.Login,
			"expiresAt":    session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/me" {
		payload, err := s.service.CurrentUser(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/projects" {
		payload, err := s.service.ListProjects(r.Context(), session.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list projects", nil)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/projects" {
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateProject(r.Context(), session.UserID, strings.TrimSpace(body.Name), body.Description)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
				return
			}
			limit = parsed
		}
		payload, err := s.service.SearchDocuments(r.Context(), session.UserID, q, projectID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "projects" {
		s.handleProject(w, r, session, parts[2])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "projects" && parts[3] == "documents" {
		s.handleProjectDocuments(w, r, session, parts[2])
		return
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "projects" && parts[3] == "access" {
		s.handleProjectAccess(w, r, session, parts[2], parts)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocument(w, r, session, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	if r.Method == http.MethodGet {
		payload, err := s.service.GetProject(r.Context(), session.UserID, projectID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPut {
		var body struct {
			Name        *string `json:"name"`
			Description *string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Name != nil {
			trimmed := strings.TrimSpace(*body.Name)
			body.Name = &trimmed
		}
		payload, err := s.service.UpdateProject(r.Context(), session.UserID, projectID, body.Name, body.Description)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.service.DeleteProject(r.Context(), session.UserID, projectID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleProjectDocuments(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	if r.Method == http.MethodGet {
		payload, err := s.service.ListDocuments(r.Context(), session.UserID, projectID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form data", nil)
			return
		}
		defer func() {
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}()

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "No files provided", nil)
			return
		}

		files := make([]UploadFile, 0, len(headers))
		for _, header := range headers {
			files = append(files, uploadFromHeader(header))
		}
		overwrite := formBool(r.FormValue("overwrite"))
		validate := formBool(r.FormValue("validate"))

		payload, err := s.service.UploadDocuments(r.Context(), session.UserID, projectID, files, overwrite, validate)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleProjectAccess(w http.ResponseWriter, r *http.Request, session Session, projectID string, parts []string) {
	if len(parts) == 4 && r.Method == http.MethodGet {
		payload, err := s.service.ListAccess(r.Context(), session.UserID, projectID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && r.Method == http.MethodPost {
		var body struct {
			Login     string `json:"login"`
			CanAccess *bool  `json:"canAccess"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Login) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "login is required", nil)
			return
		}
		canAccess := true
		if body.CanAccess != nil {
			canAccess = *body.CanAccess
		}
		if err := s.service.GrantAccessByLogin(r.Context(), session.UserID, projectID, strings.TrimSpace(body.Login), canAccess); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 5 && r.Method == http.MethodPost {
		if err := s.service.GrantAccessByUserID(r.Context(), session.UserID, projectID, parts[4]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 5 && r.Method == http.MethodDelete {
		if err := s.service.RevokeAccess(r.Context(), session.UserID, projectID, parts[4]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if r.Method == http.MethodGet {
		download, err := s.service.DownloadDocument(r.Context(), session.UserID, documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		defer download.Body.Close()

		contentType := download.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Name))
		if download.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(download.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, download.Body); err != nil {
			log.Printf("stream document %s: %v", documentID, err)
		}
		return
	}

	if r.Method == http.MethodPut {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form data", nil)
			return
		}
		defer func() {
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}()

		var file *UploadFile
		if headers := r.MultipartForm.File["file"]; len(headers) > 0 {
			upload := uploadFromHeader(headers[0])
			file = &upload
		}
		newName := strings.TrimSpace(r.FormValue("newName"))

		payload, err := s.service.UpdateDocument(r.Context(), session.UserID, documentID, file, newName)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.service.DeleteDocument(r.Context(), session.UserID, documentID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func uploadFromHeader(header *multipart.FileHeader) UploadFile {
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return UploadFile{
		Name:        strings.TrimSpace(header.Filename),
		ContentType: contentType,
		Size:        header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}
}

func formBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
