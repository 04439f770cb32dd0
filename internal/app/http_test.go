package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"docflow/api/internal/auth"
	"docflow/api/internal/content"
	"docflow/api/internal/document"
	"docflow/api/internal/lock"
	"docflow/api/internal/workflow"
)

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode %s %s response: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Errorf("expected ok=true, got %v", payload["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected CORS header, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	svc, users := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rr.Code, payload)
	}

	users.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr, payload = doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	checks := payload["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" || database["error"] != "connection refused" {
		t.Errorf("unexpected database check: %v", database)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()

	for _, path := range []string{"/api/documents", "/api/editors/ed-1"} {
		rr, payload := doJSON(t, handler, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Errorf("%s: expected 401, got %d %v", path, rr.Code, payload)
		}
	}
	rr, _ := doJSON(t, handler, http.MethodGet, "/api/documents", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad token, got %d", rr.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()

	_, payload := doJSON(t, handler, http.MethodGet, "/api/session", "", nil)
	if payload["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %v", payload)
	}

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/session/login", "", map[string]any{"name": "Avery"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d %v", rr.Code, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" || payload["userName"] != "Avery" || payload["role"] != "editor" {
		t.Fatalf("unexpected login payload: %v", payload)
	}

	_, payload = doJSON(t, handler, http.MethodGet, "/api/session", token, nil)
	if payload["authenticated"] != true || payload["userName"] != "Avery" {
		t.Fatalf("expected authenticated session, got %v", payload)
	}
}

func TestLogoutRevokesTokenAndClosesEditors(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()
	avery := login(t, svc, "Avery")
	handle := createArticle(t, svc, avery)
	opened, err := svc.OpenEditor(context.Background(), avery, handle.ID, "")
	if err != nil {
		t.Fatalf("OpenEditor() error = %v", err)
	}

	rr, _ := doJSON(t, handler, http.MethodPost, "/api/session/logout", avery.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected logout to succeed, got %d", rr.Code)
	}
	rr, _ = doJSON(t, handler, http.MethodGet, "/api/documents", avery.Token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be refused, got %d", rr.Code)
	}

	again := login(t, svc, "Avery")
	if _, err := svc.EditorState(context.Background(), again, opened.ID); err == nil {
		t.Fatal("expected logout to close open editors")
	}
}

func TestEditorLifecycleOverHTTP(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()
	token := login(t, svc, "Avery").Token

	rr, created := doJSON(t, handler, http.MethodPost, "/api/documents", token, map[string]any{
		"name":         "launch",
		"documentType": "article",
		"content":      map[string]any{"title": "Launch", "summary": "First cut"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", rr.Code, created)
	}
	handleID := created["id"].(string)

	rr, opened := doJSON(t, handler, http.MethodPost, "/api/editors", token, map[string]any{"nodeId": handleID})
	if rr.Code != http.StatusCreated || opened["mode"] != string(document.ModeEdit) {
		t.Fatalf("expected editor in edit mode, got %d %v", rr.Code, opened)
	}
	editorID := opened["id"].(string)
	editorPath := "/api/editors/" + editorID

	rr, staged := doJSON(t, handler, http.MethodPut, editorPath+"/content", token, map[string]any{
		"content": map[string]any{"title": "Launch", "summary": ""},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected stage to succeed, got %d %v", rr.Code, staged)
	}
	_, modified := doJSON(t, handler, http.MethodGet, editorPath+"/modified", token, nil)
	if modified["modified"] != true {
		t.Fatalf("expected modified editor, got %v", modified)
	}

	rr, rejected := doJSON(t, handler, http.MethodPost, editorPath+"/save", token, nil)
	if rr.Code != http.StatusUnprocessableEntity || rejected["code"] != "VALIDATION_FAILED" {
		t.Fatalf("expected validation failure, got %d %v", rr.Code, rejected)
	}
	if _, ok := rejected["details"].([]any); !ok {
		t.Fatalf("expected validation details, got %v", rejected)
	}

	doJSON(t, handler, http.MethodPut, editorPath+"/content", token, map[string]any{
		"content": map[string]any{"title": "Launch", "summary": "Second cut"},
	})
	rr, report := doJSON(t, handler, http.MethodPost, editorPath+"/validate", token, nil)
	if rr.Code != http.StatusOK || report["validity"] != "valid" {
		t.Fatalf("expected valid report, got %d %v", rr.Code, report)
	}

	rr, done := doJSON(t, handler, http.MethodPost, editorPath+"/done", token, nil)
	if rr.Code != http.StatusOK || done["mode"] != string(document.ModeView) {
		t.Fatalf("expected view after done, got %d %v", rr.Code, done)
	}

	rr, switched := doJSON(t, handler, http.MethodPut, editorPath+"/mode", token, map[string]any{"mode": "edit"})
	if rr.Code != http.StatusOK || switched["outcome"] != "applied" {
		t.Fatalf("expected edit mode to be applied, got %d %v", rr.Code, switched)
	}
	state := switched["editor"].(map[string]any)
	if state["mode"] != string(document.ModeEdit) {
		t.Fatalf("expected edit state, got %v", state)
	}

	_, skipped := doJSON(t, handler, http.MethodPut, editorPath+"/mode", token, map[string]any{"mode": "edit"})
	if skipped["outcome"] != "skipped" {
		t.Fatalf("expected skipped outcome, got %v", skipped)
	}

	_, body := doJSON(t, handler, http.MethodGet, editorPath+"/content", token, nil)
	if summary := body["content"].(map[string]any)["summary"]; summary != "Second cut" {
		t.Fatalf("expected saved summary, got %v", summary)
	}

	rr, history := doJSON(t, handler, http.MethodGet, "/api/documents/"+handleID+"/history?state=unpublished&limit=5", token, nil)
	if rr.Code != http.StatusOK || len(history["revisions"].([]any)) == 0 {
		t.Fatalf("expected unpublished history, got %d %v", rr.Code, history)
	}
	rr, _ = doJSON(t, handler, http.MethodGet, "/api/documents/"+handleID+"/history?limit=zero", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected bad limit to be rejected, got %d", rr.Code)
	}

	rr, events := doJSON(t, handler, http.MethodGet, "/api/documents/"+handleID+"/events", token, nil)
	if rr.Code != http.StatusOK || len(events["events"].([]any)) == 0 {
		t.Fatalf("expected workflow events, got %d %v", rr.Code, events)
	}

	rr, _ = doJSON(t, handler, http.MethodDelete, editorPath, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected close to succeed, got %d", rr.Code)
	}
	rr, missing := doJSON(t, handler, http.MethodGet, editorPath, token, nil)
	if rr.Code != http.StatusNotFound || missing["code"] != "EDITOR_NOT_FOUND" {
		t.Fatalf("expected closed editor to be gone, got %d %v", rr.Code, missing)
	}
}

func TestOpenEditorOnMissingDocument(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()
	token := login(t, svc, "Avery").Token

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/editors", token, map[string]any{"nodeId": "doc-missing"})
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, payload)
	}
	rr, payload = doJSON(t, handler, http.MethodPost, "/api/editors", token, map[string]any{})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected missing nodeId to be rejected, got %d %v", rr.Code, payload)
	}
}

func TestBranchRoutes(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()
	token := login(t, svc, "Avery").Token
	handle := createArticle(t, svc, login(t, svc, "Avery"))
	base := "/api/documents/" + handle.ID + "/branches"

	rr, payload := doJSON(t, handler, http.MethodPost, base, token, map[string]any{"branchId": "summer"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected branch to be created, got %d %v", rr.Code, payload)
	}
	rr, payload = doJSON(t, handler, http.MethodPost, base, token, map[string]any{"branchId": "Summer Sale"})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "INVALID_BRANCH" {
		t.Fatalf("expected invalid branch, got %d %v", rr.Code, payload)
	}
	rr, payload = doJSON(t, handler, http.MethodDelete, base+"/master", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected master removal to be refused, got %d %v", rr.Code, payload)
	}
	rr, _ = doJSON(t, handler, http.MethodDelete, base+"/summer", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected branch removal, got %d", rr.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "domain", err: domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), status: http.StatusTeapot, code: "TEAPOT"},
		{name: "expired token", err: auth.ErrExpiredToken, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "missing row", err: fmt.Errorf("get user: %w", sql.ErrNoRows), status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "missing content", err: document.NewError(document.KindRepository, "cannot resolve", content.ErrNotFound), status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "not permitted", err: document.NewError(document.KindWorkflow, "cannot publish", workflow.ErrNotPermitted), status: http.StatusForbidden, code: "NOT_PERMITTED"},
		{name: "locked", err: fmt.Errorf("obtain: %w", lock.ErrHeld), status: http.StatusConflict, code: "DRAFT_LOCKED"},
		{name: "draft taken over", err: fmt.Errorf("save: %w", content.ErrNotHeld), status: http.StatusConflict, code: "DRAFT_LOCKED"},
		{name: "invalid branch", err: content.ErrInvalidBranch, status: http.StatusUnprocessableEntity, code: "INVALID_BRANCH"},
		{name: "validation", err: document.NewError(document.KindValidation, "validator failed", errors.New("boom")), status: http.StatusUnprocessableEntity, code: "VALIDATION_FAILED"},
		{name: "inconsistent", err: document.NewError(document.KindInconsistent, "editor is closed", nil), status: http.StatusConflict, code: "INCONSISTENT_DOCUMENT"},
		{name: "workflow", err: document.NewError(document.KindWorkflow, "cannot commit", errors.New("disk full")), status: http.StatusConflict, code: "WORKFLOW_FAILED"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, code: "SERVER_ERROR"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.status || code != tc.code {
				t.Fatalf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}
