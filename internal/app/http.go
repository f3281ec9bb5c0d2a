package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gargmanash/approval-mainnc/internal/approval"
	"github.com/gargmanash/approval-mainnc/internal/auth"
	"github.com/gargmanash/approval-mainnc/internal/rbac"
	"github.com/gargmanash/approval-mainnc/internal/store"
	"github.com/gargmanash/approval-mainnc/internal/tags"
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
		checks["redis"] = map[string]any{"status": "ok"}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingTags(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":    session.Token,
			"userId":   session.UserID,
			"userName": session.UserName,
			"role":     session.Role,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	// GET /api/state/{fileId}
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "state" {
		result, err := s.service.State(r.Context(), parts[2], session.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, statePayload(result))
		return
	}

	// POST /api/request/{fileId}/{ruleId}
	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "request" {
		result, err := s.service.Request(r.Context(), parts[2], parts[3], session.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, statePayload(result))
		return
	}

	// POST /api/approve/{fileId}, POST /api/reject/{fileId}
	if r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "api" && (parts[1] == "approve" || parts[1] == "reject") {
		var success bool
		var err error
		if parts[1] == "approve" {
			success, err = s.service.Approve(r.Context(), parts[2], session.UserID)
		} else {
			success, err = s.service.Reject(r.Context(), parts[2], session.UserID)
		}
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": success})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pendings" {
		pending, err := s.service.PendingFiles(r.Context(), session.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list pending files", nil)
			return
		}
		items := make([]map[string]any, 0, len(pending))
		for _, entry := range pending {
			item := map[string]any{
				"fileId":   entry.File.ID,
				"fileName": entry.File.Name,
				"mimeType": entry.File.MimeType,
				"path":     entry.File.Path,
				"ruleId":   entry.RuleID,
			}
			if entry.RequestedAt != nil {
				item["requestedAt"] = entry.RequestedAt.UTC().Format(time.RFC3339)
			}
			items = append(items, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": items})
		return
	}

	// GET /api/rules/user?role=requesters&fileId=...
	if r.Method == http.MethodGet && r.URL.Path == "/api/rules/user" {
		role := strings.TrimSpace(r.URL.Query().Get("role"))
		if role == "" {
			role = store.RoleRequesters
		}
		if role != store.RoleRequesters && role != store.RoleApprovers {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be requesters or approvers", nil)
			return
		}
		fileID := strings.TrimSpace(r.URL.Query().Get("fileId"))
		rules, err := s.service.UserRules(r.Context(), session.UserID, role, fileID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list rules", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rulePayloads(rules)})
		return
	}

	// GET /api/history/{fileId}
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "history" {
		records, err := s.service.FileHistory(r.Context(), parts[2])
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load history", nil)
			return
		}
		items := make([]map[string]any, 0, len(records))
		for _, record := range records {
			items = append(items, map[string]any{
				"id":        record.ID,
				"ruleId":    record.RuleID,
				"userId":    record.ActorUserID,
				"state":     record.NewState,
				"createdAt": record.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"activity": items})
		return
	}

	// GET /api/timeline/{fileId}/{ruleId}
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "timeline" {
		timeline, err := s.service.FileTimeline(r.Context(), parts[2], parts[3])
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load timeline", nil)
			return
		}
		payload := map[string]any{}
		if timeline.State != "" {
			payload["state"] = timeline.State
		}
		if timeline.SentAt != nil {
			payload["sentAt"] = timeline.SentAt.UTC().Format(time.RFC3339)
		}
		if timeline.ApprovedAt != nil {
			payload["approvedAt"] = timeline.ApprovedAt.UTC().Format(time.RFC3339)
		}
		if timeline.RejectedAt != nil {
			payload["rejectedAt"] = timeline.RejectedAt.UTC().Format(time.RFC3339)
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// POST /api/tags/assigned: hook for tag assignments made outside the
	// request endpoint (automation flows, manual tagging).
	if r.Method == http.MethodPost && r.URL.Path == "/api/tags/assigned" {
		var body struct {
			FileID string   `json:"fileId"`
			TagIDs []string `json:"tagIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.FileID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fileId is required", nil)
			return
		}
		if err := s.service.HandleTagAssigned(r.Context(), body.FileID, body.TagIDs, session.UserID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/kpis" {
		if !s.service.Can(session.Role, rbac.ActionAdmin) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		kpis, err := s.service.Kpis(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not compute KPIs", nil)
			return
		}
		items := make([]map[string]any, 0, len(kpis))
		for _, kpi := range kpis {
			items = append(items, map[string]any{
				"ruleId":   kpi.RuleID,
				"pending":  kpi.Pending,
				"approved": kpi.Approved,
				"rejected": kpi.Rejected,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"kpis": items})
		return
	}

	if r.URL.Path == "/api/rules" || (len(parts) == 3 && parts[0] == "api" && parts[1] == "rules" && parts[2] != "user") {
		s.handleRules(w, r, session, parts)
		return
	}

	// DELETE /api/activity[?fileId=...]
	if r.Method == http.MethodDelete && r.URL.Path == "/api/activity" {
		if !s.service.Can(session.Role, rbac.ActionAdmin) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		fileID := strings.TrimSpace(r.URL.Query().Get("fileId"))
		if err := s.service.ResetActivity(r.Context(), fileID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRules(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		rules, err := s.service.ListRules(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list rules", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rulePayloads(rules)})
		return

	case r.Method == http.MethodPost && len(parts) == 2:
		if !s.service.Can(session.Role, rbac.ActionAdmin) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var input RuleInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rule, err := s.service.CreateRule(r.Context(), input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, rulePayload(rule))
		return

	case r.Method == http.MethodPut && len(parts) == 3:
		if !s.service.Can(session.Role, rbac.ActionAdmin) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var input RuleInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rule, err := s.service.UpdateRule(r.Context(), parts[2], input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, rulePayload(rule))
		return

	case r.Method == http.MethodDelete && len(parts) == 3:
		if !s.service.Can(session.Role, rbac.ActionAdmin) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		if err := s.service.DeleteRule(r.Context(), parts[2]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func statePayload(result approval.Result) map[string]any {
	payload := map[string]any{"state": string(result.State)}
	if result.Rule != nil {
		payload["rule"] = rulePayload(*result.Rule)
	}
	return payload
}

func rulePayloads(rules []store.Rule) []map[string]any {
	items := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		items = append(items, rulePayload(rule))
	}
	return items
}

func rulePayload(rule store.Rule) map[string]any {
	return map[string]any{
		"id":          rule.ID,
		"tagPending":  rule.TagPending,
		"tagApproved": rule.TagApproved,
		"tagRejected": rule.TagRejected,
		"description": rule.Description,
		"approvers":   principalPayloads(rule.Approvers),
		"requesters":  principalPayloads(rule.Requesters),
	}
}

func principalPayloads(principals []store.Principal) []map[string]any {
	items := make([]map[string]any, 0, len(principals))
	for _, principal := range principals {
		items = append(items, map[string]any{
			"type":     principal.Type,
			"entityId": principal.EntityID,
		})
	}
	return items
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
	var appErr *DomainError
	if errors.As(err, &appErr) {
		return appErr.Status, appErr.Code, appErr.Message, appErr.Details
	}
	var domainErr *approval.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, nil
	}
	if errors.Is(err, store.ErrRuleHasHistory) {
		return http.StatusConflict, "RULE_HAS_HISTORY", "Rule has recorded activity and cannot be deleted", nil
	}
	if errors.Is(err, tags.ErrTagExists) {
		return http.StatusConflict, "TAG_EXISTS", "A tag with this name already exists", nil
	}
	if errors.Is(err, tags.ErrTagNotFound) {
		return http.StatusNotFound, "TAG_NOT_FOUND", "Tag not found", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
