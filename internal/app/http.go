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
	"strconv"
	"strings"
	"time"

	"ontoserve/api/internal/search"
	"ontoserve/api/internal/store"
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
		checks := map[string]any{"stores": map[string]any{"status": "ok"}}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["stores"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		var body struct {
			OntologyID string `json:"ontologyId"`
			ActorID    string `json:"actorId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.CreateSession(r.Context(), body.OntologyID, body.ActorID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/requests" {
		var body DraftInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateDraft(r.Context(), body)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/requests" {
		ontologyID := strings.TrimSpace(r.URL.Query().Get("ontologyId"))
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		views, err := s.service.ListRequests(r.Context(), ontologyID, status)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": views})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/requests/overdue" {
		views, err := s.service.ListOverdue(r.Context())
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": views})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chains" {
		var body ChainInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		chain, err := s.service.CreateChain(r.Context(), body)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, chainView(chain))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chains" {
		area := strings.TrimSpace(r.URL.Query().Get("area"))
		chains, err := s.service.ListChains(r.Context(), area)
		if err != nil {
			writeMapped(w, err)
			return
		}
		views := make([]map[string]any, 0, len(chains))
		for _, chain := range chains {
			views = append(views, chainView(chain))
		}
		writeJSON(w, http.StatusOK, map[string]any{"chains": views})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := search.Query{
			Text:             strings.TrimSpace(r.URL.Query().Get("q")),
			FilterOntologyID: strings.TrimSpace(r.URL.Query().Get("ontologyId")),
			FilterStatus:     strings.TrimSpace(r.URL.Query().Get("status")),
		}
		var ok bool
		if q.Limit, ok = queryInt(w, r, "limit", 20); !ok {
			return
		}
		if q.Offset, ok = queryInt(w, r, "offset", 0); !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	switch parts[1] {
	case "sessions":
		s.handleSessions(w, r, parts)
		return
	case "requests":
		s.handleRequests(w, r, parts)
		return
	case "conflicts":
		s.handleConflicts(w, r, parts)
		return
	case "chains":
		s.handleChains(w, r, parts)
		return
	case "ontologies":
		s.handleOntologies(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// /api/sessions/{id}[/join|/locks[/{elementId}]]
func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	sessionID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			sess, err := s.service.GetSession(r.Context(), sessionID)
			if err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, sess)
		case http.MethodDelete:
			if err := s.service.CloseSession(r.Context(), sessionID); err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "join" && r.Method == http.MethodPost {
		var body struct {
			ActorID string `json:"actorId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.JoinSession(r.Context(), sessionID, body.ActorID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}

	if len(parts) == 4 && parts[3] == "locks" && r.Method == http.MethodPost {
		var body struct {
			ElementID string `json:"elementId"`
			ActorID   string `json:"actorId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		lock, err := s.service.AcquireLock(r.Context(), sessionID, body.ElementID, body.ActorID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, lock)
		return
	}

	if len(parts) == 5 && parts[3] == "locks" && r.Method == http.MethodDelete {
		elementID := parts[4]
		actorID := strings.TrimSpace(r.URL.Query().Get("actorId"))
		if actorID == "" {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "actorId is required", nil)
			return
		}
		if err := s.service.ReleaseLock(r.Context(), sessionID, elementID, actorID); err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// /api/requests/{id}[/submit|/approve|/reject|/request-changes|/impact|/conflicts|/audit]
func (s *HTTPServer) handleRequests(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	requestID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetRequest(r.Context(), requestID)
			if err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodPut:
			var body struct {
				ProposedChanges map[string]any `json:"proposedChanges"`
				Description     string         `json:"description"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.UpdateDraft(r.Context(), requestID, body.ProposedChanges, body.Description)
			if err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.service.DiscardDraft(r.Context(), requestID); err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	switch parts[3] {
	case "submit":
		if r.Method != http.MethodPost {
			break
		}
		view, err := s.service.Submit(r.Context(), requestID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return

	case "approve", "reject", "request-changes":
		if r.Method != http.MethodPost {
			break
		}
		var body struct {
			ApproverID string `json:"approverId"`
			Reason     string `json:"reason"`
			Feedback   string `json:"feedback"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.ApproverID) == "" {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "approverId is required", nil)
			return
		}
		var view RequestView
		var err error
		switch parts[3] {
		case "approve":
			view, err = s.service.Approve(r.Context(), requestID, body.ApproverID, body.Reason)
		case "reject":
			view, err = s.service.Reject(r.Context(), requestID, body.ApproverID, body.Reason)
		case "request-changes":
			view, err = s.service.RequestChanges(r.Context(), requestID, body.ApproverID, body.Feedback)
		}
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return

	case "impact":
		if r.Method != http.MethodGet {
			break
		}
		report, err := s.service.ImpactReport(r.Context(), requestID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return

	case "conflicts":
		if r.Method != http.MethodPost {
			break
		}
		var body struct {
			OtherRequestID string `json:"otherRequestId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		conflicts, err := s.service.DetectConflicts(r.Context(), requestID, body.OtherRequestID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
		return

	case "audit":
		if r.Method != http.MethodGet {
			break
		}
		limit, ok := queryInt(w, r, "limit", 100)
		if !ok {
			return
		}
		events, err := s.service.AuditTrail(r.Context(), requestID, limit)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// /api/conflicts/{id}/resolve
func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 4 && parts[3] == "resolve" && r.Method == http.MethodPost {
		var body struct {
			Strategy     string         `json:"strategy"`
			MergedFields map[string]any `json:"mergedFields"`
			ResolvedBy   string         `json:"resolvedBy"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.ResolveConflict(r.Context(), parts[2], body.Strategy, body.MergedFields, body.ResolvedBy)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// /api/chains/{id}
func (s *HTTPServer) handleChains(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		chain, err := s.service.GetChain(r.Context(), parts[2])
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chainView(chain))
		return
	}
	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// /api/ontologies/{id}/elements[/{elementId}] and /api/ontologies/{id}/history
func (s *HTTPServer) handleOntologies(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 4 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	ontologyID := parts[2]

	if len(parts) == 4 && parts[3] == "elements" && r.Method == http.MethodPut {
		var body struct {
			Elements   []store.Element          `json:"elements"`
			References []store.ElementReference `json:"references"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SyncElements(r.Context(), ontologyID, body.Elements, body.References); err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "elements": len(body.Elements)})
		return
	}

	if len(parts) == 5 && parts[3] == "elements" && r.Method == http.MethodGet {
		element, err := s.service.GetElement(r.Context(), ontologyID, parts[4])
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, elementView(element))
		return
	}

	if len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet {
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		history, err := s.service.ArchiveHistory(r.Context(), ontologyID, limit)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": history})
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func chainView(chain store.ApprovalChain) map[string]any {
	levels := make([]map[string]any, 0, len(chain.Levels))
	for _, lvl := range chain.Levels {
		levels = append(levels, map[string]any{
			"level":         lvl.Level,
			"approvers":     lvl.Approvers,
			"deadlineHours": lvl.DeadlineHours,
			"minApprovals":  lvl.MinApprovals,
		})
	}
	return map[string]any{
		"id":           chain.ID,
		"name":         chain.Name,
		"ontologyArea": chain.OntologyArea,
		"approvalType": chain.ApprovalType,
		"levels":       levels,
		"createdAt":    chain.CreatedAt,
	}
}

func elementView(element store.Element) map[string]any {
	return map[string]any{
		"id":          element.ID,
		"ontologyId":  element.OntologyID,
		"elementType": element.ElementType,
		"name":        element.Name,
		"projectId":   element.ProjectID,
		"fields":      element.Fields,
		"updatedAt":   element.UpdatedAt,
	}
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, key+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
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

func writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
