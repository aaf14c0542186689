// Package server exposes the push rule service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pushgate/pushgate/internal/event"
	"github.com/pushgate/pushgate/internal/rules"
	"github.com/pushgate/pushgate/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HandlerOptions configures optional pieces of the HTTP handler.
type HandlerOptions struct {
	// MaxBodyBytes caps JSON request bodies. Zero means the default of 1 MiB.
	MaxBodyBytes int64
	// Metrics, when non-nil, is mounted at GET /metrics.
	Metrics http.Handler
}

type HTTPServer struct {
	service      Service
	maxBodyBytes int64
}

type evaluateJSONRequest struct {
	Event                   json.RawMessage     `json:"event"`
	RoomMemberCount         uint64              `json:"room_member_count,omitempty"`
	SenderPowerLevel        *int64              `json:"sender_power_level,omitempty"`
	NotificationPowerLevels map[string]int64    `json:"notification_power_levels,omitempty"`
	RelatedEvents           []event.Relation    `json:"related_events,omitempty"`
	Recipients              []service.Recipient `json:"recipients"`
}

type evaluateJSONResponse struct {
	Results []service.RecipientResult `json:"results"`
}

type listRulesJSONResponse struct {
	Rules []service.RuleView `json:"rules"`
}

type putRuleJSONRequest struct {
	Conditions []rules.Condition `json:"conditions,omitempty"`
	Actions    []rules.Action    `json:"actions"`
}

type enabledJSONBody struct {
	Enabled *bool `json:"enabled"`
}

type auditJSONResponse struct {
	Entries []service.AuditEntry `json:"entries"`
}

type createAPIKeyJSONRequest struct {
	Name string `json:"name,omitempty"`
}

type createAPIKeyJSONResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
	Name   string `json:"name,omitempty"`
}

func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithOptions(svc, HandlerOptions{})
}

func NewHTTPHandlerWithOptions(svc Service, opts HandlerOptions) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		service:      svc,
		maxBodyBytes: maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("GET /v1/users/{user_id}/rules", server.handleListRules)
	mux.HandleFunc("GET /v1/users/{user_id}/rules/{kind}/{rule_id}", server.handleGetRule)
	mux.HandleFunc("PUT /v1/users/{user_id}/rules/{kind}/{rule_id}", server.handlePutRule)
	mux.HandleFunc("DELETE /v1/users/{user_id}/rules/{kind}/{rule_id}", server.handleDeleteRule)
	mux.HandleFunc("GET /v1/users/{user_id}/rules/{kind}/{rule_id}/enabled", server.handleGetRuleEnabled)
	mux.HandleFunc("PUT /v1/users/{user_id}/rules/{kind}/{rule_id}/enabled", server.handlePutRuleEnabled)
	mux.HandleFunc("GET /v1/users/{user_id}/audit", server.handleListAuditLog)
	mux.HandleFunc("POST /v1/api-keys", server.handleCreateAPIKey)
	mux.HandleFunc("DELETE /v1/api-keys/{key_id}", server.handleRevokeAPIKey)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return mux
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if len(request.Event) == 0 {
		writeJSONError(w, http.StatusBadRequest, "event is required")
		return
	}
	if len(request.Recipients) == 0 {
		writeJSONError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	for idx, recipient := range request.Recipients {
		if strings.TrimSpace(recipient.UserID) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("recipients[%d].user_id is required", idx))
			return
		}
	}

	results, err := s.service.Evaluate(r.Context(), service.EvaluateRequest{
		Event:                   request.Event,
		RoomMemberCount:         request.RoomMemberCount,
		SenderPowerLevel:        request.SenderPowerLevel,
		NotificationPowerLevels: request.NotificationPowerLevels,
		Relations:               request.RelatedEvents,
		Recipients:              request.Recipients,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	views, err := s.service.GetRulesForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listRulesJSONResponse{Rules: views})
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	userID, class, ruleID, ok := rulePathValues(w, r)
	if !ok {
		return
	}

	view, err := s.service.GetRule(r.Context(), userID, class, ruleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handlePutRule(w http.ResponseWriter, r *http.Request) {
	userID, class, ruleID, ok := rulePathValues(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	beforeID := strings.TrimSpace(query.Get("before"))
	afterID := strings.TrimSpace(query.Get("after"))
	if beforeID != "" && afterID != "" {
		writeJSONError(w, http.StatusBadRequest, "use either before or after")
		return
	}

	var request putRuleJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	view, err := s.service.UpsertRule(r.Context(), userID, class, ruleID, request.Conditions, request.Actions, beforeID, afterID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	userID, class, ruleID, ok := rulePathValues(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteRule(r.Context(), userID, class, ruleID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	userID, class, ruleID, ok := rulePathValues(w, r)
	if !ok {
		return
	}

	enabled, err := s.service.GetRuleEnabled(r.Context(), userID, class, ruleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, enabledJSONBody{Enabled: &enabled})
}

func (s *HTTPServer) handlePutRuleEnabled(w http.ResponseWriter, r *http.Request) {
	userID, class, ruleID, ok := rulePathValues(w, r)
	if !ok {
		return
	}

	var request enabledJSONBody
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if request.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.service.SetRuleEnabled(r.Context(), userID, class, ruleID, *request.Enabled); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleListAuditLog(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit, err := parseQueryInt(query.Get("limit"), 0)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := parseQueryInt(query.Get("offset"), 0)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	entries, err := s.service.ListAuditLog(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, auditJSONResponse{Entries: entries})
}

func (s *HTTPServer) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var request createAPIKeyJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	keyID, secret, err := s.service.CreateAPIKey(r.Context(), request.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createAPIKeyJSONResponse{ID: keyID, Secret: secret, Name: request.Name})
}

func (s *HTTPServer) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID := strings.TrimSpace(r.PathValue("key_id"))
	if keyID == "" {
		writeJSONError(w, http.StatusBadRequest, "key_id is required")
		return
	}

	if err := s.service.RevokeAPIKey(r.Context(), keyID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.PathValue("user_id"))
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	return userID, true
}

func rulePathValues(w http.ResponseWriter, r *http.Request) (string, rules.PriorityClass, string, bool) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return "", 0, "", false
	}

	class, err := rules.ParsePriorityClass(r.PathValue("kind"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unknown rule kind")
		return "", 0, "", false
	}

	ruleID := strings.TrimSpace(r.PathValue("rule_id"))
	if ruleID == "" {
		writeJSONError(w, http.StatusBadRequest, "rule_id is required")
		return "", 0, "", false
	}

	return userID, class, ruleID, true
}

// parseQueryInt parses a non-negative integer query parameter, returning
// fallback when the parameter is absent.
func parseQueryInt(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid integer")
	}
	return parsed, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInconsistentRuleClass),
		errors.Is(err, service.ErrMalformedEvent):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrRuleNotFound),
		errors.Is(err, service.ErrAPIKeyNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRule):
		return "invalid rule"
	case errors.Is(err, service.ErrInconsistentRuleClass):
		return "before/after rule is in a different kind"
	case errors.Is(err, service.ErrMalformedEvent):
		return "malformed event"
	case errors.Is(err, service.ErrRuleNotFound):
		return "rule not found"
	case errors.Is(err, service.ErrAPIKeyNotFound):
		return "api key not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
