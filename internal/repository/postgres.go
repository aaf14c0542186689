// Package repository provides PostgreSQL-backed persistence for per-user push
// rules, rule enablement overrides, API keys, and the audit log. It also
// handles LISTEN/NOTIFY-based cache invalidation so the service layer stays
// fresh without polling the database into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const defaultNotifyChannel = "push_rule_events"

var (
	// ErrRuleNotFound is returned when a referenced rule does not exist.
	ErrRuleNotFound = errors.New("push rule not found")

	// ErrInconsistentRuleClass is returned when a relative insert references
	// a rule in a different priority class.
	ErrInconsistentRuleClass = errors.New("relative rule is in a different priority class")

	// ErrAPIKeyNotFound is returned when an API key does not exist or has
	// already been revoked.
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// StoredRule is the repository-level representation of a push rule row.
// Conditions and actions are kept as raw JSON; the service layer decodes them.
type StoredRule struct {
	UserID        string          `json:"-"`
	RuleID        string          `json:"rule_id"`
	PriorityClass int             `json:"priority_class"`
	Priority      int             `json:"priority"`
	Conditions    json.RawMessage `json:"conditions"`
	Actions       json.RawMessage `json:"actions"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// APIKey represents a stored API key record used for bearer-token authentication.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// AuditLogEntry records a mutation performed on a user's rules.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	APIKeyID  string          `json:"api_key_id,omitempty"`
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	RuleID    string          `json:"rule_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements push rule, API key, and audit log persistence
// backed by a pgxpool connection pool. It also supports LISTEN/NOTIFY for
// real-time cache invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "push_rule_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for rule change notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// GetRulesForUser returns a user's stored rules ordered so that higher
// priority classes come first and, within a class, higher priorities come
// first. This is the order rules are evaluated in.
func (r *PostgresRepository) GetRulesForUser(ctx context.Context, userID string) ([]StoredRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, rule_id, priority_class, priority, conditions, actions, created_at, updated_at
		FROM push_rules
		WHERE user_id = $1
		ORDER BY priority_class DESC, priority DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("get rules for user: %w", err)
	}
	defer rows.Close()

	ruleRows := make([]StoredRule, 0)
	for rows.Next() {
		var rule StoredRule
		if err := rows.Scan(
			&rule.UserID,
			&rule.RuleID,
			&rule.PriorityClass,
			&rule.Priority,
			&rule.Conditions,
			&rule.Actions,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		ruleRows = append(ruleRows, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get rules rows: %w", err)
	}

	return ruleRows, nil
}

// GetRule retrieves a single rule by user and rule ID. Returns
// [ErrRuleNotFound] if it does not exist.
func (r *PostgresRepository) GetRule(ctx context.Context, userID, ruleID string) (StoredRule, error) {
	var rule StoredRule
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, rule_id, priority_class, priority, conditions, actions, created_at, updated_at
		FROM push_rules
		WHERE user_id = $1 AND rule_id = $2
	`, userID, ruleID).Scan(
		&rule.UserID,
		&rule.RuleID,
		&rule.PriorityClass,
		&rule.Priority,
		&rule.Conditions,
		&rule.Actions,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredRule{}, ErrRuleNotFound
	}
	if err != nil {
		return StoredRule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// GetEnabledMap returns the per-rule enablement overrides for a user. Rules
// without an override are absent from the map.
func (r *PostgresRepository) GetEnabledMap(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rule_id, enabled
		FROM push_rule_enable
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("get enabled map: %w", err)
	}
	defer rows.Close()

	enabled := make(map[string]bool)
	for rows.Next() {
		var ruleID string
		var on bool
		if err := rows.Scan(&ruleID, &on); err != nil {
			return nil, fmt.Errorf("scan enabled row: %w", err)
		}
		enabled[ruleID] = on
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enabled map rows: %w", err)
	}

	return enabled, nil
}

// UpsertRule inserts or replaces a rule. New rules are appended at the
// highest priority of their class unless beforeID or afterID names an
// existing rule to insert relative to. Replacing an existing rule keeps its
// position when no anchor is given; with an anchor the rule moves next to
// it, as if deleted and re-added.
//
// The whole operation runs in one transaction together with a NOTIFY so
// other instances invalidate their cache for the user.
func (r *PostgresRepository) UpsertRule(ctx context.Context, rule StoredRule, beforeID, afterID string) (StoredRule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return StoredRule{}, fmt.Errorf("begin upsert rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored StoredRule
	if beforeID != "" || afterID != "" {
		// Drop any old row first so the anchor resolves against the rest of
		// the class and the rule re-inserts at the anchored position.
		if _, err := tx.Exec(ctx, `
			DELETE FROM push_rules WHERE user_id = $1 AND rule_id = $2
		`, rule.UserID, rule.RuleID); err != nil {
			return StoredRule{}, fmt.Errorf("drop rule for reposition: %w", err)
		}
		stored, err = r.insertRuleTx(ctx, tx, rule, beforeID, afterID)
		if err != nil {
			return StoredRule{}, err
		}
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE push_rules
			SET conditions = $3,
			    actions = $4,
			    updated_at = NOW()
			WHERE user_id = $1 AND rule_id = $2
			RETURNING user_id, rule_id, priority_class, priority, conditions, actions, created_at, updated_at
		`,
			rule.UserID,
			rule.RuleID,
			ensureJSON(rule.Conditions, "[]"),
			ensureJSON(rule.Actions, "[]"),
		).Scan(
			&stored.UserID,
			&stored.RuleID,
			&stored.PriorityClass,
			&stored.Priority,
			&stored.Conditions,
			&stored.Actions,
			&stored.CreatedAt,
			&stored.UpdatedAt,
		)
		switch {
		case err == nil:
			// Existing rule replaced in place.
		case errors.Is(err, pgx.ErrNoRows):
			stored, err = r.insertRuleTx(ctx, tx, rule, beforeID, afterID)
			if err != nil {
				return StoredRule{}, err
			}
		default:
			return StoredRule{}, fmt.Errorf("update rule: %w", err)
		}
	}

	if err := r.notifyTx(ctx, tx, rule.UserID); err != nil {
		return StoredRule{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return StoredRule{}, fmt.Errorf("commit upsert rule tx: %w", err)
	}

	return stored, nil
}

func (r *PostgresRepository) insertRuleTx(ctx context.Context, tx pgx.Tx, rule StoredRule, beforeID, afterID string) (StoredRule, error) {
	priority := 0
	switch {
	case beforeID != "" || afterID != "":
		relativeID := beforeID
		if relativeID == "" {
			relativeID = afterID
		}

		var relativeClass, relativePriority int
		err := tx.QueryRow(ctx, `
			SELECT priority_class, priority
			FROM push_rules
			WHERE user_id = $1 AND rule_id = $2
		`, rule.UserID, relativeID).Scan(&relativeClass, &relativePriority)
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredRule{}, ErrRuleNotFound
		}
		if err != nil {
			return StoredRule{}, fmt.Errorf("resolve relative rule: %w", err)
		}
		if relativeClass != rule.PriorityClass {
			return StoredRule{}, ErrInconsistentRuleClass
		}

		// Higher priority runs first, so inserting before a rule means
		// taking a higher priority than it. Inserting after means taking
		// its priority and shifting it (and everything above it) up.
		if beforeID != "" {
			priority = relativePriority + 1
		} else {
			priority = relativePriority
		}

		if _, err := tx.Exec(ctx, `
			UPDATE push_rules
			SET priority = priority + 1, updated_at = NOW()
			WHERE user_id = $1 AND priority_class = $2 AND priority >= $3
		`, rule.UserID, rule.PriorityClass, priority); err != nil {
			return StoredRule{}, fmt.Errorf("shift rule priorities: %w", err)
		}
	default:
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(priority), -1) + 1
			FROM push_rules
			WHERE user_id = $1 AND priority_class = $2
		`, rule.UserID, rule.PriorityClass).Scan(&priority); err != nil {
			return StoredRule{}, fmt.Errorf("next rule priority: %w", err)
		}
	}

	var created StoredRule
	if err := tx.QueryRow(ctx, `
		INSERT INTO push_rules (user_id, rule_id, priority_class, priority, conditions, actions)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING user_id, rule_id, priority_class, priority, conditions, actions, created_at, updated_at
	`,
		rule.UserID,
		rule.RuleID,
		rule.PriorityClass,
		priority,
		ensureJSON(rule.Conditions, "[]"),
		ensureJSON(rule.Actions, "[]"),
	).Scan(
		&created.UserID,
		&created.RuleID,
		&created.PriorityClass,
		&created.Priority,
		&created.Conditions,
		&created.Actions,
		&created.CreatedAt,
		&created.UpdatedAt,
	); err != nil {
		return StoredRule{}, fmt.Errorf("insert rule: %w", err)
	}

	return created, nil
}

// SetRuleEnabled records an enablement override for a rule. The rule does not
// have to exist in push_rules; server default rules are toggled this way too.
func (r *PostgresRepository) SetRuleEnabled(ctx context.Context, userID, ruleID string, enabled bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set enabled tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO push_rule_enable (user_id, rule_id, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, rule_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
	`, userID, ruleID, enabled); err != nil {
		return fmt.Errorf("set rule enabled: %w", err)
	}

	if err := r.notifyTx(ctx, tx, userID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit set enabled tx: %w", err)
	}

	return nil
}

// DeleteRule removes a user-defined rule and any enablement override for it.
// Returns [ErrRuleNotFound] if the rule does not exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, userID, ruleID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `
		DELETE FROM push_rules WHERE user_id = $1 AND rule_id = $2
	`, userID, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM push_rule_enable WHERE user_id = $1 AND rule_id = $2
	`, userID, ruleID); err != nil {
		return fmt.Errorf("delete rule enable: %w", err)
	}

	if err := r.notifyTx(ctx, tx, userID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete rule tx: %w", err)
	}

	return nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID.
// Callers should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash)); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns [ErrAPIKeyNotFound] if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (api_key_id, user_id, action, rule_id, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.APIKeyID, entry.UserID, entry.Action, entry.RuleID, entry.Details)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit log entries for a user, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, userID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, api_key_id, user_id, action, rule_id, details, created_at
		FROM audit_log
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.APIKeyID, &e.UserID, &e.Action, &e.RuleID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit log rows: %w", err)
	}
	return entries, nil
}

// SubscribeRuleInvalidation returns a channel that receives the user ID of
// each rule change notification arriving on the PostgreSQL LISTEN channel.
// The channel is closed when the context is cancelled.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan string, error) {
	invalidations := make(chan string, 16)

	go r.runRuleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, invalidations chan<- string) {
	defer close(invalidations)

	for {
		err := r.listenForRuleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleInvalidation(ctx context.Context, invalidations chan<- string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for rule notification: %w", err)
		}

		userID, err := unmarshalNotifyPayload(notification.Payload)
		if err != nil {
			continue
		}

		select {
		case invalidations <- userID:
		default:
		}
	}
}

func (r *PostgresRepository) notifyTx(ctx context.Context, tx pgx.Tx, userID string) error {
	payload, err := marshalNotifyPayload(userID)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify rule change: %w", err)
	}
	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(userID string) (string, error) {
	serialized, err := json.Marshal(struct {
		UserID string `json:"user_id"`
	}{UserID: userID})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

func unmarshalNotifyPayload(payload string) (string, error) {
	var decoded struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return "", err
	}
	if decoded.UserID == "" {
		return "", errors.New("notify payload missing user_id")
	}
	return decoded.UserID, nil
}
