package server

import (
	"context"

	"github.com/pushgate/pushgate/internal/rules"
	"github.com/pushgate/pushgate/internal/service"
)

type Service interface {
	Evaluate(ctx context.Context, req service.EvaluateRequest) ([]service.RecipientResult, error)
	GetRulesForUser(ctx context.Context, userID string) ([]service.RuleView, error)
	GetRule(ctx context.Context, userID string, class rules.PriorityClass, ruleID string) (service.RuleView, error)
	UpsertRule(ctx context.Context, userID string, class rules.PriorityClass, ruleID string, conditions []rules.Condition, actions []rules.Action, beforeID, afterID string) (service.RuleView, error)
	SetRuleEnabled(ctx context.Context, userID string, class rules.PriorityClass, ruleID string, enabled bool) error
	GetRuleEnabled(ctx context.Context, userID string, class rules.PriorityClass, ruleID string) (bool, error)
	DeleteRule(ctx context.Context, userID string, class rules.PriorityClass, ruleID string) error
	ListAuditLog(ctx context.Context, userID string, limit, offset int) ([]service.AuditEntry, error)
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

var _ Service = (*service.Service)(nil)
