package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"strings"
	"time"

	"uplift/api/internal/renderer"
	"uplift/api/internal/tasktree"
)

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

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-User-Name")
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/projects" {
		s.handleCreateProject(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/certificate/callback" {
		s.handleRenderCallback(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/certificate/callback/error" {
		s.handleRenderErrorCallback(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// GET /api/certificate/verify/{projectId} — public, unauthenticated.
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "certificate" && parts[2] == "verify" {
		s.handleVerify(w, r, parts[3])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "projects" {
		projectID := parts[2]
		switch {
		case r.Method == http.MethodGet && len(parts) == 3:
			s.handleGetProject(w, r, projectID)
			return
		case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "sync":
			s.handleSync(w, r, projectID)
			return
		case r.Method == http.MethodPost && len(parts) == 5 && parts[3] == "certificate" && parts[4] == "issue":
			s.handleIssue(w, r, projectID)
			return
		case r.Method == http.MethodPost && len(parts) == 5 && parts[3] == "certificate" && parts[4] == "reissue":
			s.handleReissue(w, r, projectID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"success": status == "ready",
		"status":  status,
		"checks":  checks,
	})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	userID, userName := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "X-User-ID header is required")
		return
	}
	var body CreateProjectInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	project, err := s.service.CreateProject(r.Context(), userID, userName, body)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeResult(w, http.StatusCreated, project)
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	userID, _ := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "X-User-ID header is required")
		return
	}
	project, err := s.service.GetProject(r.Context(), projectID, userID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeResult(w, http.StatusOK, project)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request, projectID string) {
	userID, userName := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "X-User-ID header is required")
		return
	}
	var body struct {
		LastDownloadedAt time.Time           `json:"lastDownloadedAt"`
		Title            *string             `json:"title"`
		Description      *string             `json:"description"`
		Status           string              `json:"status"`
		Tasks            []tasktree.Incoming `json:"tasks"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	summary, err := s.service.SyncProject(r.Context(), SyncInput{
		ProjectID:        projectID,
		UserID:           userID,
		UserName:         userName,
		LastDownloadedAt: body.LastDownloadedAt,
		Title:            body.Title,
		Description:      body.Description,
		Status:           body.Status,
		Tasks:            body.Tasks,
	})
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeResult(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleIssue(w http.ResponseWriter, r *http.Request, projectID string) {
	userID, _ := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "X-User-ID header is required")
		return
	}
	if err := s.service.IssueCertificate(r.Context(), projectID, userID); err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeResult(w, http.StatusAccepted, map[string]any{"projectId": projectID, "requested": true})
}

func (s *HTTPServer) handleReissue(w http.ResponseWriter, r *http.Request, projectID string) {
	userID, _ := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", "X-User-ID header is required")
		return
	}
	cert, err := s.service.ReissueCertificate(r.Context(), projectID, userID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeResult(w, http.StatusOK, cert)
}

// handleRenderCallback receives the renderer's success webhook. The
// document arrives as the raw body; the transaction id and the output
// filename ride in on headers.
func (s *HTTPServer) handleRenderCallback(w http.ResponseWriter, r *http.Request) {
	transactionID := strings.TrimSpace(r.Header.Get(renderer.HeaderTrace))
	filename := dispositionFilename(r.Header.Get("Content-Disposition"))
	defer r.Body.Close()

	if err := s.service.HandleRenderSuccess(r.Context(), transactionID, filename, r.Body); err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"received": true})
}

func (s *HTTPServer) handleRenderErrorCallback(w http.ResponseWriter, r *http.Request) {
	transactionID := strings.TrimSpace(r.Header.Get(renderer.HeaderTrace))
	var body struct {
		Message string `json:"message"`
	}
	_ = decodeBody(r, &body)

	if err := s.service.HandleRenderError(r.Context(), transactionID, body.Message); err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"received": true})
}

func (s *HTTPServer) handleVerify(w http.ResponseWriter, r *http.Request, projectID string) {
	verification, err := s.service.VerifyCertificate(r.Context(), projectID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeResult(w, http.StatusOK, verification)
}

func requestUser(r *http.Request) (string, string) {
	return strings.TrimSpace(r.Header.Get("X-User-ID")), strings.TrimSpace(r.Header.Get("X-User-Name"))
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError emits the uniform failure envelope; callers branch on
// "success" rather than parsing transport errors.
func writeError(w http.ResponseWriter, httpStatus int, code, message string) {
	writeJSON(w, httpStatus, map[string]any{
		"success": false,
		"status":  code,
		"message": message,
	})
}

func writeResult(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"result":  result,
	})
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	}
	log.Printf("internal error: %v", err)
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}
