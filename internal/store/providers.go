package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/relay-gateway/internal/model"
)

// UpsertProvider creates or updates a tool provider record.
func (s *Store) UpsertProvider(ctx context.Context, p *model.ToolProvider) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if p.Transport == "" {
		p.Transport = model.TransportStreamableHTTP
	}
	if p.Status == "" {
		p.Status = model.ProviderIdle
	}
	if p.DefaultPolicy == "" {
		p.DefaultPolicy = model.PolicyAlwaysAllow
	}
	p.UpdatedAt = now

	query := `INSERT INTO tool_providers (id, name, base_url, transport, status, api_key, default_policy, tools_cache, tools_synced_at, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              name = excluded.name,
	              base_url = excluded.base_url,
	              transport = excluded.transport,
	              api_key = excluded.api_key,
	              default_policy = excluded.default_policy,
	              updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.BaseURL, p.Transport, p.Status, p.APIKey,
		p.DefaultPolicy, p.ToolsCache, p.ToolsSyncedAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}

	return nil
}

// GetProvider returns one tool provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*model.ToolProvider, error) {
	query := `SELECT id, name, base_url, transport, status, api_key, default_policy, tools_cache, tools_synced_at, created_at, updated_at
	          FROM tool_providers WHERE id = ?`

	var p model.ToolProvider
	var apiKey sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.BaseURL, &p.Transport, &p.Status, &apiKey,
		&p.DefaultPolicy, &p.ToolsCache, &p.ToolsSyncedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	p.APIKey = apiKey.String

	return &p, nil
}

// ListProviders returns all tool providers in registration order.
func (s *Store) ListProviders(ctx context.Context) ([]model.ToolProvider, error) {
	query := `SELECT id, name, base_url, transport, status, api_key, default_policy, tools_cache, tools_synced_at, created_at, updated_at
	          FROM tool_providers ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	providers := []model.ToolProvider{}
	for rows.Next() {
		var p model.ToolProvider
		var apiKey sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Transport, &p.Status, &apiKey,
			&p.DefaultPolicy, &p.ToolsCache, &p.ToolsSyncedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		p.APIKey = apiKey.String
		providers = append(providers, p)
	}

	return providers, rows.Err()
}

// UpdateProviderStatus records the provider's liveness state.
func (s *Store) UpdateProviderStatus(ctx context.Context, id string, status model.ProviderStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_providers SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update provider status: %w", err)
	}
	return nil
}

// UpdateProviderToolsCache stores the provider's advertised tool list.
func (s *Store) UpdateProviderToolsCache(ctx context.Context, id, toolsJSON string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_providers SET tools_cache = ?, tools_synced_at = ?, updated_at = ? WHERE id = ?`,
		toolsJSON, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update provider tools cache: %w", err)
	}
	return nil
}

// DeleteProvider removes a tool provider and its policies.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return nil
}
