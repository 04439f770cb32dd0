package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docflow/api/internal/auth"
	"docflow/api/internal/content"
	"docflow/api/internal/gitrepo"
	"docflow/api/internal/logger"
	"docflow/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *logger.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: logger.OrNop(log)}
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

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			s.log.Error("login failed", "error", err)
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"role":      session.Role,
			"expiresAt": session.ExpiresAt.Unix(),
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch parts[1] {
	case "users":
		s.handleUsers(w, r, session, parts[2:])
	case "documents":
		s.handleDocuments(w, r, session, parts[2:])
	case "editors":
		s.handleEditors(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if r.Method == http.MethodPut && len(parts) == 2 && parts[1] == "role" {
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateUserRole(r.Context(), session, parts[0], body.Role); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			handles, err := s.service.ListDocuments(r.Context(), session, strings.TrimSpace(r.URL.Query().Get("folder")))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			items := make([]map[string]any, 0, len(handles))
			for _, handle := range handles {
				items = append(items, handleJSON(handle))
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		case http.MethodPost:
			var body CreateDocumentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			handle, err := s.service.CreateDocument(r.Context(), session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, handleJSON(handle))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	handleID := parts[0]
	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		handle, err := s.service.GetDocument(r.Context(), handleID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, handleJSON(handle))

	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "history":
		limit, ok := queryLimit(w, r, 50)
		if !ok {
			return
		}
		revisions, err := s.service.History(r.Context(), handleID, strings.TrimSpace(r.URL.Query().Get("state")), limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(revisions))
		for _, revision := range revisions {
			items = append(items, revisionJSON(revision))
		}
		writeJSON(w, http.StatusOK, map[string]any{"handleId": handleID, "revisions": items})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "labels":
		labels, err := s.service.Labels(r.Context(), handleID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"handleId": handleID, "labels": labelsJSON(handleID, labels)})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "events":
		limit, ok := queryLimit(w, r, 100)
		if !ok {
			return
		}
		events, err := s.service.Events(r.Context(), handleID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(events))
		for _, event := range events {
			items = append(items, eventJSON(event))
		}
		writeJSON(w, http.StatusOK, map[string]any{"handleId": handleID, "events": items})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "branches":
		var body struct {
			BranchID string `json:"branchId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		handle, err := s.service.AddBranch(r.Context(), session, handleID, strings.TrimSpace(body.BranchID))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, handleJSON(handle))

	case r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "branches":
		if err := s.service.RemoveBranch(r.Context(), session, handleID, parts[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleEditors(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			NodeID   string `json:"nodeId"`
			BranchID string `json:"branchId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.NodeID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "nodeId is required", nil)
			return
		}
		state, err := s.service.OpenEditor(ctx, session, strings.TrimSpace(body.NodeID), strings.TrimSpace(body.BranchID))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, state)
		return
	}

	editorID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.respondState(w, r)(s.service.EditorState(ctx, session, editorID))
		case http.MethodDelete:
			if err := s.service.CloseEditor(ctx, session, editorID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch action := parts[1]; {
	case r.Method == http.MethodGet && action == "content":
		payload, err := s.service.EditorContent(ctx, session, editorID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodPut && action == "content":
		var body struct {
			Content gitrepo.Content `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respondState(w, r)(s.service.Stage(ctx, session, editorID, body.Content))

	case r.Method == http.MethodPut && action == "mode":
		var body struct {
			Mode string `json:"mode"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, state, err := s.service.SetMode(ctx, session, editorID, strings.TrimSpace(body.Mode))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		payload := map[string]any{"outcome": result.Outcome.String(), "editor": state}
		if result.Reason != "" {
			payload["reason"] = result.Reason
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodGet && action == "modified":
		modified, err := s.service.IsModified(ctx, session, editorID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"modified": modified})

	case r.Method == http.MethodPost && action == "validate":
		report, err := s.service.Validate(ctx, session, editorID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case r.Method == http.MethodPost && action == "save":
		s.respondState(w, r)(s.service.Save(ctx, session, editorID))
	case r.Method == http.MethodPost && action == "done":
		s.respondState(w, r)(s.service.Done(ctx, session, editorID))
	case r.Method == http.MethodPost && action == "save-draft":
		s.respondState(w, r)(s.service.SaveDraft(ctx, session, editorID))
	case r.Method == http.MethodPost && action == "revert":
		s.respondState(w, r)(s.service.Revert(ctx, session, editorID))
	case r.Method == http.MethodPost && action == "discard":
		s.respondState(w, r)(s.service.Discard(ctx, session, editorID))
	case r.Method == http.MethodPost && action == "publish":
		s.respondState(w, r)(s.service.Publish(ctx, session, editorID))
	case r.Method == http.MethodPost && action == "depublish":
		s.respondState(w, r)(s.service.Depublish(ctx, session, editorID))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) respondState(w http.ResponseWriter, r *http.Request) func(EditorState, error) {
	return func(state EditorState, err error) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func queryLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
		return 0, false
	}
	return parsed, true
}

func handleJSON(handle content.Handle) map[string]any {
	variants := make([]map[string]any, 0, len(handle.Children))
	for _, child := range handle.Children {
		item := map[string]any{
			"id":           child.ID,
			"name":         child.Name,
			"state":        child.State,
			"branchId":     child.BranchID,
			"transferable": child.Transferable,
			"updatedAt":    child.UpdatedAt,
		}
		if child.Holder != "" {
			item["holder"] = child.Holder
		}
		variants = append(variants, item)
	}
	return map[string]any{
		"id":           handle.ID,
		"name":         handle.Name,
		"folderId":     handle.FolderID,
		"documentType": handle.DocumentType,
		"branches":     handle.Branches,
		"variants":     variants,
		"createdBy":    handle.CreatedBy,
		"createdAt":    handle.CreatedAt,
		"updatedAt":    handle.UpdatedAt,
	}
}

func revisionJSON(revision content.Revision) map[string]any {
	return map[string]any{
		"id":        revision.ID,
		"hash":      revision.Hash,
		"message":   revision.Message,
		"author":    revision.Author,
		"createdAt": revision.CreatedAt,
	}
}

func labelsJSON(handleID string, labels []gitrepo.Label) []map[string]any {
	items := make([]map[string]any, 0, len(labels))
	for _, label := range labels {
		items = append(items, map[string]any{
			"name":     label.Name,
			"revision": content.RevisionID(handleID, label.Hash),
		})
	}
	return items
}

func eventJSON(event store.WorkflowEvent) map[string]any {
	return map[string]any{
		"id":        event.ID,
		"action":    event.Action,
		"actorId":   event.ActorID,
		"branchId":  event.BranchID,
		"outcome":   event.Outcome,
		"detail":    event.Detail,
		"createdAt": event.CreatedAt,
	}
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
		s.log.Error("session lookup failed", "error", err)
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

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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
