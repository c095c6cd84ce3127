package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/capitalize-ai/relay-gateway/internal/model"
)

// SetToolPolicy stores the approval policy for one (provider, tool) pair.
func (s *Store) SetToolPolicy(ctx context.Context, providerID, toolName string, policy model.ApprovalPolicy) error {
	query := `INSERT INTO tool_policies (provider_id, tool_name, policy, updated_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT(provider_id, tool_name) DO UPDATE SET
	              policy = excluded.policy,
	              updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, providerID, toolName, policy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set tool policy: %w", err)
	}
	return nil
}

// GetToolPolicy returns the stored policy for one (provider, tool) pair,
// falling back to the provider's default when no explicit rule exists.
func (s *Store) GetToolPolicy(ctx context.Context, providerID, toolName string) (model.ApprovalPolicy, error) {
	var policy model.ApprovalPolicy
	err := s.db.QueryRowContext(ctx,
		`SELECT policy FROM tool_policies WHERE provider_id = ? AND tool_name = ?`,
		providerID, toolName).Scan(&policy)
	if err == nil {
		return policy, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to get tool policy: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT default_policy FROM tool_providers WHERE id = ?`, providerID).Scan(&policy)
	if err == sql.ErrNoRows {
		return model.PolicyAlwaysAllow, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get provider default policy: %w", err)
	}

	return policy, nil
}

// ListToolPolicies returns all explicit policies for one provider.
func (s *Store) ListToolPolicies(ctx context.Context, providerID string) ([]model.ToolPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, tool_name, policy, updated_at FROM tool_policies WHERE provider_id = ? ORDER BY tool_name ASC`,
		providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool policies: %w", err)
	}
	defer rows.Close()

	policies := []model.ToolPolicy{}
	for rows.Next() {
		var tp model.ToolPolicy
		if err := rows.Scan(&tp.ProviderID, &tp.ToolName, &tp.Policy, &tp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool policy: %w", err)
		}
		policies = append(policies, tp)
	}

	return policies, rows.Err()
}

// DeleteToolPolicy removes an explicit per-tool rule, reverting the tool
// to the provider default.
func (s *Store) DeleteToolPolicy(ctx context.Context, providerID, toolName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_policies WHERE provider_id = ? AND tool_name = ?`,
		providerID, toolName)
	if err != nil {
		return fmt.Errorf("failed to delete tool policy: %w", err)
	}
	return nil
}
