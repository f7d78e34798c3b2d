package app

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
)

type uploadPart struct {
	field    string
	filename string
	content  string
}

func doMultipart(t *testing.T, server *HTTPServer, method, path, token string, parts []uploadPart, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, part := range parts {
		fw, err := writer.CreateFormFile(part.field, part.filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte(part.content)); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func createProjectHTTP(t *testing.T, server *HTTPServer, token, name string) string {
	t.Helper()
	rr := doJSON(t, server, http.MethodPost, "/api/projects", token, map[string]any{"name": name})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create project: status %d body=%s", rr.Code, rr.Body.String())
	}
	return parseJSON(t, rr)["id"].(string)
}

func uploadHTTP(t *testing.T, server *HTTPServer, token, projectID, filename, content string) string {
	t.Helper()
	rr := doMultipart(t, server, http.MethodPost, "/api/projects/"+projectID+"/documents", token,
		[]uploadPart{{field: "files", filename: filename, content: content}}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload %s: status %d body=%s", filename, rr.Code, rr.Body.String())
	}
	files := parseJSON(t, rr)["files"].([]any)
	return files[0].(map[string]any)["id"].(string)
}

func TestProjectCRUDOverHTTP(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")

	projectID := createProjectHTTP(t, server, token, "notes")

	rr := doJSON(t, server, http.MethodGet, "/api/projects", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list projects: %d", rr.Code)
	}
	projects := parseJSON(t, rr)["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}

	rr = doJSON(t, server, http.MethodPut, "/api/projects/"+projectID, token, map[string]any{
		"description": "team notes",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("update project: %d body=%s", rr.Code, rr.Body.String())
	}
	updated := parseJSON(t, rr)
	if updated["name"] != "notes" || updated["description"] != "team notes" {
		t.Fatalf("unexpected update payload: %v", updated)
	}

	rr = doJSON(t, server, http.MethodDelete, "/api/projects/"+projectID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete project: %d", rr.Code)
	}
	rr = doJSON(t, server, http.MethodGet, "/api/projects/"+projectID, token, nil)
	assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestUpdateProjectRejectsWhitespaceName(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	projectID := createProjectHTTP(t, server, token, "notes")

	rr := doJSON(t, server, http.MethodPut, "/api/projects/"+projectID, token, map[string]any{
		"name": "   ",
	})
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	// The stored name is untouched.
	rr = doJSON(t, server, http.MethodGet, "/api/projects/"+projectID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get project: %d", rr.Code)
	}
	if payload := parseJSON(t, rr); payload["name"] != "notes" {
		t.Fatalf("expected name unchanged, got %v", payload["name"])
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	projectID := createProjectHTTP(t, server, token, "docs")

	docID := uploadHTTP(t, server, token, projectID, "report.txt", "quarterly numbers")

	req := httptest.NewRequest(http.MethodGet, "/api/documents/"+docID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("download: status %d body=%s", rr.Code, rr.Body.String())
	}
	data, _ := io.ReadAll(rr.Body)
	if string(data) != "quarterly numbers" {
		t.Fatalf("expected uploaded bytes back, got %q", data)
	}
	if disposition := rr.Header().Get("Content-Disposition"); disposition != `attachment; filename="report.txt"` {
		t.Fatalf("unexpected Content-Disposition %q", disposition)
	}
}

func TestUploadWithoutFilesIsBadRequest(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	projectID := createProjectHTTP(t, server, token, "docs")

	rr := doMultipart(t, server, http.MethodPost, "/api/projects/"+projectID+"/documents", token,
		nil, map[string]string{"overwrite": "false"})
	assertErrorCode(t, rr, http.StatusBadRequest, "BAD_REQUEST")
}

func TestUploadConflictOverHTTP(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	projectID := createProjectHTTP(t, server, token, "docs")
	uploadHTTP(t, server, token, projectID, "report.txt", "v1")

	rr := doMultipart(t, server, http.MethodPost, "/api/projects/"+projectID+"/documents", token,
		[]uploadPart{{field: "files", filename: "report.txt", content: "v2"}}, nil)
	assertErrorCode(t, rr, http.StatusConflict, "CONFLICT")

	rr = doMultipart(t, server, http.MethodPost, "/api/projects/"+projectID+"/documents", token,
		[]uploadPart{{field: "files", filename: "report.txt", content: "v2"}},
		map[string]string{"overwrite": "true"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("overwrite upload: status %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRenameDocumentOverHTTP(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	projectID := createProjectHTTP(t, server, token, "docs")
	docID := uploadHTTP(t, server, token, projectID, "old.txt", "content")

	rr := doMultipart(t, server, http.MethodPut, "/api/documents/"+docID, token,
		nil, map[string]string{"newName": "new.txt"})
	if rr.Code != http.StatusOK {
		t.Fatalf("rename: status %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseJSON(t, rr); payload["name"] != "new.txt" {
		t.Fatalf("expected new name, got %v", payload)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/projects/"+projectID+"/documents", token, nil)
	docs := parseJSON(t, rr)["documents"].([]any)
	if len(docs) != 1 || docs[0].(map[string]any)["name"] != "new.txt" {
		t.Fatalf("expected single renamed document, got %v", docs)
	}
}

func TestReplaceDocumentContentOverHTTP(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	projectID := createProjectHTTP(t, server, token, "docs")
	docID := uploadHTTP(t, server, token, projectID, "report.txt", "v1")

	rr := doMultipart(t, server, http.MethodPut, "/api/documents/"+docID, token,
		[]uploadPart{{field: "file", filename: "report.txt", content: "v2"}}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("replace: status %d body=%s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/documents/"+docID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	downloadRR := httptest.NewRecorder()
	server.Handler().ServeHTTP(downloadRR, req)
	data, _ := io.ReadAll(downloadRR.Body)
	if string(data) != "v2" {
		t.Fatalf("expected replaced content v2, got %q", data)
	}
}

func TestDeleteDocumentOverHTTP(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	projectID := createProjectHTTP(t, server, token, "docs")
	docID := uploadHTTP(t, server, token, projectID, "report.txt", "v1")

	rr := doJSON(t, server, http.MethodDelete, "/api/documents/"+docID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: status %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, server, http.MethodDelete, "/api/documents/"+docID, token, nil)
	assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestAccessGrantByUserIDRoute(t *testing.T) {
	server, _, _ := newTestServer()
	ownerToken, _ := registerAndLogin(t, server, "avery")
	granteeToken, _ := registerAndLogin(t, server, "blake")
	projectID := createProjectHTTP(t, server, ownerToken, "shared")

	granteeID := parseJSON(t, doJSON(t, server, http.MethodGet, "/api/me", granteeToken, nil))["id"].(string)

	rr := doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/access/"+granteeID, ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("grant by id: status %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, server, http.MethodGet, "/api/projects/"+projectID, granteeToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected grantee to see project, got %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodDelete, "/api/projects/"+projectID+"/access/"+granteeID, ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke: status %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, server, http.MethodGet, "/api/projects/"+projectID, granteeToken, nil)
	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")
}

// Full sharing walkthrough: the owner shares a project, the grantee works in
// it, revocation shuts the door again.
func TestSharingScenario(t *testing.T) {
	server, _, _ := newTestServer()
	ownerToken, _ := registerAndLogin(t, server, "alice")
	guestToken, _ := registerAndLogin(t, server, "bob")
	projectID := createProjectHTTP(t, server, ownerToken, "joint-venture")

	// Before sharing the guest sees nothing.
	rr := doJSON(t, server, http.MethodGet, "/api/projects/"+projectID, guestToken, nil)
	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = doJSON(t, server, http.MethodPost, "/api/projects/"+projectID+"/access", ownerToken, map[string]any{
		"login": "bob",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("share: status %d body=%s", rr.Code, rr.Body.String())
	}

	// Guest uploads, owner reads it back.
	docID := uploadHTTP(t, server, guestToken, projectID, "plan.txt", "phase one")
	req := httptest.NewRequest(http.MethodGet, "/api/documents/"+docID, nil)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	downloadRR := httptest.NewRecorder()
	server.Handler().ServeHTTP(downloadRR, req)
	data, _ := io.ReadAll(downloadRR.Body)
	if string(data) != "phase one" {
		t.Fatalf("owner should read guest upload, got %q", data)
	}

	// Access listing shows owner first, then the guest.
	rr = doJSON(t, server, http.MethodGet, "/api/projects/"+projectID+"/access", ownerToken, nil)
	entries := parseJSON(t, rr)["access"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected 2 access entries, got %v", entries)
	}
	if entries[0].(map[string]any)["login"] != "alice" || entries[1].(map[string]any)["login"] != "bob" {
		t.Fatalf("unexpected access order: %v", entries)
	}

	// Guest cannot manage sharing or delete the project.
	rr = doJSON(t, server, http.MethodGet, "/api/projects/"+projectID+"/access", guestToken, nil)
	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")
	rr = doJSON(t, server, http.MethodDelete, "/api/projects/"+projectID, guestToken, nil)
	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")

	// Revoke and the guest is locked out of the document too.
	guestID := parseJSON(t, doJSON(t, server, http.MethodGet, "/api/me", guestToken, nil))["id"].(string)
	rr = doJSON(t, server, http.MethodDelete, "/api/projects/"+projectID+"/access/"+guestID, ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke: status %d body=%s", rr.Code, rr.Body.String())
	}
	req = httptest.NewRequest(http.MethodGet, "/api/documents/"+docID, nil)
	req.Header.Set("Authorization", "Bearer "+guestToken)
	lockedRR := httptest.NewRecorder()
	server.Handler().ServeHTTP(lockedRR, req)
	if lockedRR.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after revoke, got %d", lockedRR.Code)
	}

	// The document itself survives for the owner.
	req = httptest.NewRequest(http.MethodGet, "/api/documents/"+docID, nil)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	stillRR := httptest.NewRecorder()
	server.Handler().ServeHTTP(stillRR, req)
	if stillRR.Code != http.StatusOK {
		t.Fatalf("expected owner to still read document, got %d", stillRR.Code)
	}

	// After the owner deletes the project, everyone sees 404, guest included.
	rr = doJSON(t, server, http.MethodDelete, "/api/projects/"+projectID, ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete project: status %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, server, http.MethodGet, "/api/projects/"+projectID, guestToken, nil)
	assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestSearchEndpointWithoutBackendReturnsEmpty(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")
	projectID := createProjectHTTP(t, server, token, "docs")
	uploadHTTP(t, server, token, projectID, "report.txt", "v1")

	rr := doJSON(t, server, http.MethodGet, "/api/search?q=report", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search: status %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseJSON(t, rr)
	if results, ok := payload["results"].([]any); !ok || len(results) != 0 {
		t.Fatalf("expected empty results without a search backend, got %v", payload)
	}
}

func TestSearchRejectsBadLimit(t *testing.T) {
	server, _, _ := newTestServer()
	token, _ := registerAndLogin(t, server, "avery")

	rr := doJSON(t, server, http.MethodGet, "/api/search?q=x&limit=zero", token, nil)
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}
