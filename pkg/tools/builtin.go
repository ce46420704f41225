package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/sartap/keel/internal/tracing"
	"github.com/sartap/keel/pkg/store"
)

// RegisterBuiltins installs the always-available tools. The store backs
// session_info and credits_balance.
func RegisterBuiltins(registry *Registry, st *store.Store) error {
	builtins := []Tool{
		{
			Name:        "time_now",
			Description: "Returns the current date and time",
			Parameters: []Parameter{
				{Name: "timezone", Type: "string", Description: "IANA timezone name, defaults to UTC"},
			},
			Metadata: Metadata{Category: "utility"},
			Handler:  timeNowHandler,
		},
		{
			Name:        "session_info",
			Description: "Returns message and token counts for the current session",
			Metadata:    Metadata{Category: "session"},
			Handler:     sessionInfoHandler(st),
		},
		{
			Name:        "credits_balance",
			Description: "Returns the owner's remaining credit balance",
			Metadata:    Metadata{Category: "billing", OwnerOnly: true},
			Handler:     creditsBalanceHandler(st),
		},
	}

	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", tool.Name, err)
		}
	}
	return nil
}

func timeNowHandler(_ context.Context, input map[string]interface{}) (interface{}, error) {
	loc := time.UTC
	if tz, ok := input["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone: %s", tz)
		}
		loc = parsed
	}

	now := time.Now().In(loc)
	return map[string]interface{}{
		"iso":      now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	}, nil
}

func sessionInfoHandler(st *store.Store) Handler {
	return func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		sessionKey := tracing.GetSessionKey(ctx)
		if sessionKey == "" {
			return nil, fmt.Errorf("no session in context")
		}

		sess, err := st.GetSessionByKey(ctx, sessionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}

		return map[string]interface{}{
			"session_key":   sess.SessionKey,
			"type":          sess.Type,
			"status":        sess.Status,
			"message_count": sess.MessageCount,
			"token_count":   sess.TokenCount,
			"created_at":    sess.CreatedAt.Format(time.RFC3339),
		}, nil
	}
}

func creditsBalanceHandler(st *store.Store) Handler {
	return func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		ownerID := tracing.GetOwnerID(ctx)
		if ownerID == "" {
			return nil, fmt.Errorf("no owner in context")
		}

		balance, err := st.GetBalance(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}

		return map[string]interface{}{
			"owner_id": ownerID,
			"balance":  balance,
		}, nil
	}
}
