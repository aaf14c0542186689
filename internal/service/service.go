// Package service orchestrates push rule evaluation and management on top of
// the repository. It keeps a per-user cache of compiled rule sets, kept fresh
// through LISTEN/NOTIFY invalidations with a periodic resync as safety net.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pushgate/pushgate/internal/event"
	"github.com/pushgate/pushgate/internal/metrics"
	"github.com/pushgate/pushgate/internal/middleware"
	"github.com/pushgate/pushgate/internal/push"
	"github.com/pushgate/pushgate/internal/repository"
	"github.com/pushgate/pushgate/internal/rules"
)

const (
	bestEffortTimeout     = 2 * time.Second
	defaultResyncInterval = time.Minute

	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

var (
	// ErrRuleNotFound is returned when a rule or relative anchor does not exist.
	ErrRuleNotFound = errors.New("push rule not found")

	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrInconsistentRuleClass is returned when a relative insert references a
	// rule in a different priority class.
	ErrInconsistentRuleClass = errors.New("relative rule is in a different priority class")

	// ErrMalformedEvent is returned when the event or a related event is not a
	// JSON object.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrAPIKeyNotFound is returned when an API key does not exist or has
	// already been revoked.
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// Repository is the persistence surface the service needs.
type Repository interface {
	GetRulesForUser(ctx context.Context, userID string) ([]repository.StoredRule, error)
	GetEnabledMap(ctx context.Context, userID string) (map[string]bool, error)
	UpsertRule(ctx context.Context, rule repository.StoredRule, beforeID, afterID string) (repository.StoredRule, error)
	SetRuleEnabled(ctx context.Context, userID, ruleID string, enabled bool) error
	DeleteRule(ctx context.Context, userID, ruleID string) error
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, userID string, limit, offset int) ([]repository.AuditLogEntry, error)
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan string, error)
}

// Recipient identifies one user an event should be evaluated for.
type Recipient struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// EvaluateRequest carries one event and the room facts needed to evaluate it
// for a set of recipients.
type EvaluateRequest struct {
	Event                   json.RawMessage
	RoomMemberCount         uint64
	SenderPowerLevel        *int64
	NotificationPowerLevels map[string]int64
	Relations               []event.Relation
	Recipients              []Recipient
}

// RecipientResult is the evaluation outcome for one recipient.
type RecipientResult struct {
	UserID        string         `json:"user_id"`
	Notify        bool           `json:"notify"`
	Actions       []rules.Action `json:"actions"`
	Tweaks        map[string]any `json:"tweaks,omitempty"`
	MatchedRuleID string         `json:"matched_rule_id,omitempty"`
}

// AuditEntry is the API-facing view of one audit log record.
type AuditEntry struct {
	ID        int64           `json:"id"`
	APIKeyID  string          `json:"api_key_id,omitempty"`
	Action    string          `json:"action"`
	RuleID    string          `json:"rule_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RuleView is the API-facing representation of one rule with its effective
// enabled state.
type RuleView struct {
	ID         string            `json:"rule_id"`
	Kind       string            `json:"kind"`
	Default    bool              `json:"default"`
	Enabled    bool              `json:"enabled"`
	Conditions []rules.Condition `json:"conditions,omitempty"`
	Actions    []rules.Action    `json:"actions"`
}

// Option configures optional service parameters.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithResyncInterval overrides how often the rule cache is dropped wholesale
// as a safety net against missed invalidations.
func WithResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithRelatedEventMatch toggles support for related_event_match conditions.
func WithRelatedEventMatch(enabled bool) Option {
	return func(s *Service) { s.relatedEventMatch = enabled }
}

// Service evaluates events against per-user rule sets and manages those rules.
type Service struct {
	repo              Repository
	log               *slog.Logger
	metrics           *metrics.Metrics
	relatedEventMatch bool
	resyncInterval    time.Duration

	mu    sync.RWMutex
	cache map[string]*rules.FilteredRuleSet
}

// New creates a [Service]. If the repository supports LISTEN/NOTIFY rule
// invalidations, a background listener keeps the cache fresh for the lifetime
// of ctx.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:              repo,
		log:               slog.Default(),
		relatedEventMatch: true,
		resyncInterval:    defaultResyncInterval,
		cache:             make(map[string]*rules.FilteredRuleSet),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// Evaluate runs one event against the rule sets of every recipient and
// returns a result per recipient, in input order.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) ([]RecipientResult, error) {
	flattened, err := event.Flatten(req.Event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	related, err := event.FlattenRelations(req.Relations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	evaluator, err := push.NewEvaluator(
		flattened,
		req.RoomMemberCount,
		req.SenderPowerLevel,
		req.NotificationPowerLevels,
		related,
		s.relatedEventMatch,
		push.WithLogger(s.log),
	)
	if err != nil {
		return nil, fmt.Errorf("build evaluator: %w", err)
	}

	results := make([]RecipientResult, 0, len(req.Recipients))
	for _, recipient := range req.Recipients {
		set, err := s.ruleSetForUser(ctx, recipient.UserID)
		if err != nil {
			return nil, fmt.Errorf("load rules for %q: %w", recipient.UserID, err)
		}

		matched, actions := evaluator.MatchingRule(set, recipient.UserID, recipient.DisplayName)
		result := RecipientResult{
			UserID:  recipient.UserID,
			Notify:  rules.ShouldNotify(actions),
			Actions: actions,
			Tweaks:  rules.Tweaks(actions),
		}
		if matched != nil {
			result.MatchedRuleID = matched.ID
		}

		if s.metrics != nil {
			s.metrics.RecordEvaluation(result.Notify)
			if matched != nil {
				s.metrics.RecordRuleMatch(matched.ID)
			}
		}

		results = append(results, result)
	}

	return results, nil
}

// GetRulesForUser returns the user's full effective rule list, server
// defaults included, in evaluation order.
func (s *Service) GetRulesForUser(ctx context.Context, userID string) ([]RuleView, error) {
	set, err := s.ruleSetForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]RuleView, 0, set.Len())
	for _, entry := range set.Rules() {
		views = append(views, ruleView(entry))
	}
	return views, nil
}

// GetRule returns a single rule by priority class and bare rule ID.
func (s *Service) GetRule(ctx context.Context, userID string, class rules.PriorityClass, ruleID string) (RuleView, error) {
	fullID := fullRuleID(class, ruleID)

	set, err := s.ruleSetForUser(ctx, userID)
	if err != nil {
		return RuleView{}, err
	}
	for _, entry := range set.Rules() {
		if entry.Rule.ID == fullID && entry.Rule.PriorityClass == class {
			return ruleView(entry), nil
		}
	}
	return RuleView{}, ErrRuleNotFound
}

// UpsertRule creates or replaces a user-defined rule. New rules append at the
// top of their priority class unless beforeID or afterID anchors them
// relative to an existing rule in the same class. Anchored replacements of
// existing rules move them next to the anchor.
func (s *Service) UpsertRule(ctx context.Context, userID string, class rules.PriorityClass, ruleID string, conditions []rules.Condition, actions []rules.Action, beforeID, afterID string) (RuleView, error) {
	if err := validateRuleID(ruleID); err != nil {
		return RuleView{}, err
	}
	if err := validateActions(actions); err != nil {
		return RuleView{}, err
	}

	conditionsJSON, err := json.Marshal(conditions)
	if err != nil {
		return RuleView{}, fmt.Errorf("marshal conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return RuleView{}, fmt.Errorf("marshal actions: %w", err)
	}

	stored, err := s.repo.UpsertRule(ctx, repository.StoredRule{
		UserID:        userID,
		RuleID:        fullRuleID(class, ruleID),
		PriorityClass: int(class),
		Conditions:    conditionsJSON,
		Actions:       actionsJSON,
	}, qualifyAnchor(class, beforeID), qualifyAnchor(class, afterID))
	if err != nil {
		return RuleView{}, translateRepoError(err, "upsert rule")
	}

	s.invalidateUser(userID)
	s.auditBestEffort(ctx, userID, "rule.upsert", stored.RuleID, conditionsJSON)

	return RuleView{
		ID:         stored.RuleID,
		Kind:       class.Name(),
		Enabled:    true,
		Conditions: conditions,
		Actions:    actions,
	}, nil
}

// SetRuleEnabled toggles a rule on or off. The rule may be a server default;
// those exist only as base rules but can still be overridden.
func (s *Service) SetRuleEnabled(ctx context.Context, userID string, class rules.PriorityClass, ruleID string, enabled bool) error {
	fullID := fullRuleID(class, ruleID)

	if _, err := s.GetRule(ctx, userID, class, ruleID); err != nil {
		return err
	}

	if err := s.repo.SetRuleEnabled(ctx, userID, fullID, enabled); err != nil {
		return translateRepoError(err, "set rule enabled")
	}

	s.invalidateUser(userID)
	s.auditBestEffort(ctx, userID, "rule.enable", fullID, nil)

	return nil
}

// GetRuleEnabled reports a rule's effective enabled state.
func (s *Service) GetRuleEnabled(ctx context.Context, userID string, class rules.PriorityClass, ruleID string) (bool, error) {
	view, err := s.GetRule(ctx, userID, class, ruleID)
	if err != nil {
		return false, err
	}
	return view.Enabled, nil
}

// DeleteRule removes a user-defined rule. Server default rules cannot be
// deleted, only disabled.
func (s *Service) DeleteRule(ctx context.Context, userID string, class rules.PriorityClass, ruleID string) error {
	if err := validateRuleID(ruleID); err != nil {
		return err
	}

	fullID := fullRuleID(class, ruleID)
	if err := s.repo.DeleteRule(ctx, userID, fullID); err != nil {
		return translateRepoError(err, "delete rule")
	}

	s.invalidateUser(userID)
	s.auditBestEffort(ctx, userID, "rule.delete", fullID, nil)

	return nil
}

// ListAuditLog returns a page of a user's audit log entries, newest first.
// A non-positive or oversized limit falls back to the default page size.
func (s *Service) ListAuditLog(ctx context.Context, userID string, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 || limit > maxAuditPageSize {
		limit = defaultAuditPageSize
	}
	if offset < 0 {
		offset = 0
	}

	stored, err := s.repo.ListAuditLog(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}

	entries := make([]AuditEntry, 0, len(stored))
	for _, e := range stored {
		entries = append(entries, AuditEntry{
			ID:        e.ID,
			APIKeyID:  e.APIKeyID,
			Action:    e.Action,
			RuleID:    e.RuleID,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}
	return entries, nil
}

// CreateAPIKey provisions a new bearer credential. The raw secret is returned
// exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, secret, err := s.repo.CreateAPIKey(ctx, strings.TrimSpace(name))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}
	return keyID, secret, nil
}

// RevokeAPIKey disables an API key. Tokens presented with a revoked key fail
// authentication on the next request.
func (s *Service) RevokeAPIKey(ctx context.Context, keyID string) error {
	if err := s.repo.RevokeAPIKey(ctx, keyID); err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			return ErrAPIKeyNotFound
		}
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

// InvalidateUser drops the cached rule set for one user.
func (s *Service) InvalidateUser(userID string) {
	s.invalidateUser(userID)
}

func (s *Service) ruleSetForUser(ctx context.Context, userID string) (*rules.FilteredRuleSet, error) {
	s.mu.RLock()
	set, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return set, nil
	}

	stored, err := s.repo.GetRulesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}
	enabled, err := s.repo.GetEnabledMap(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get enabled map: %w", err)
	}

	userRules := make([]rules.Rule, 0, len(stored))
	for _, row := range stored {
		rule, err := decodeStoredRule(row)
		if err != nil {
			// A rule that no longer decodes must not take the whole user
			// down; skip it and keep evaluating the rest.
			s.log.Warn("skipping undecodable rule",
				slog.String("user_id", userID),
				slog.String("rule_id", row.RuleID),
				slog.Any("error", err),
			)
			continue
		}
		userRules = append(userRules, rule)
	}

	set = rules.NewFilteredRuleSet(rules.WithBaseRules(userRules), enabled)

	s.mu.Lock()
	s.cache[userID] = set
	size := len(s.cache)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncCacheLoads()
		s.metrics.SetCacheSize(float64(size))
	}

	return set, nil
}

func (s *Service) invalidateUser(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	size := len(s.cache)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetCacheSize(float64(size))
	}
}

func (s *Service) dropCache() {
	s.mu.Lock()
	s.cache = make(map[string]*rules.FilteredRuleSet)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetCacheSize(0)
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.dropCache()
			case userID, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.invalidateUser(userID)
				if s.metrics != nil {
					s.metrics.IncCacheInvalidations()
				}
			}
		}
	}()

	return nil
}

func (s *Service) auditBestEffort(ctx context.Context, userID, action, ruleID string, details json.RawMessage) {
	keyID, _ := middleware.APIKeyIDFromContext(ctx)

	// Mutations have already committed before the audit entry is written.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if err := s.repo.InsertAuditLog(auditCtx, repository.AuditLogEntry{
		APIKeyID: keyID,
		UserID:   userID,
		Action:   action,
		RuleID:   ruleID,
		Details:  details,
	}); err != nil {
		s.log.Warn("audit log write failed",
			slog.String("action", action),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

func ruleView(entry rules.FilteredRule) RuleView {
	return RuleView{
		ID:         entry.Rule.ID,
		Kind:       entry.Rule.PriorityClass.Name(),
		Default:    entry.Rule.Default,
		Enabled:    entry.Enabled,
		Conditions: entry.Rule.Conditions,
		Actions:    entry.Rule.Actions,
	}
}

func decodeStoredRule(row repository.StoredRule) (rules.Rule, error) {
	var conditions []rules.Condition
	if len(row.Conditions) > 0 {
		if err := json.Unmarshal(row.Conditions, &conditions); err != nil {
			return rules.Rule{}, fmt.Errorf("decode conditions: %w", err)
		}
	}

	var actions []rules.Action
	if len(row.Actions) > 0 {
		if err := json.Unmarshal(row.Actions, &actions); err != nil {
			return rules.Rule{}, fmt.Errorf("decode actions: %w", err)
		}
	}

	return rules.Rule{
		ID:            row.RuleID,
		PriorityClass: rules.PriorityClass(row.PriorityClass),
		Enabled:       true,
		Conditions:    conditions,
		Actions:       actions,
	}, nil
}

// fullRuleID composes the stored rule ID from the priority class and the
// API-level bare rule ID, e.g. "global/override/my-rule".
func fullRuleID(class rules.PriorityClass, ruleID string) string {
	return "global/" + class.Name() + "/" + ruleID
}

func qualifyAnchor(class rules.PriorityClass, ruleID string) string {
	if ruleID == "" {
		return ""
	}
	return fullRuleID(class, ruleID)
}

func validateRuleID(ruleID string) error {
	switch {
	case strings.TrimSpace(ruleID) == "":
		return fmt.Errorf("%w: rule ID is required", ErrInvalidRule)
	case strings.ContainsAny(ruleID, `/\`):
		return fmt.Errorf("%w: rule ID must not contain slashes", ErrInvalidRule)
	case strings.HasPrefix(ruleID, "."):
		return fmt.Errorf("%w: rule IDs starting with a dot are reserved for server defaults", ErrInvalidRule)
	}
	return nil
}

func validateActions(actions []rules.Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidRule)
	}
	for _, a := range actions {
		if !a.IsKnown() {
			return fmt.Errorf("%w: unknown action", ErrInvalidRule)
		}
	}
	return nil
}

func translateRepoError(err error, op string) error {
	switch {
	case errors.Is(err, repository.ErrRuleNotFound):
		return ErrRuleNotFound
	case errors.Is(err, repository.ErrInconsistentRuleClass):
		return ErrInconsistentRuleClass
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
