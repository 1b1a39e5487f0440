package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inkfeather/inkfeather/internal/llm"
)

// LoadEndpoints reads the configured model endpoints together with their
// persisted health overlay.
func (d *DB) LoadEndpoints(ctx context.Context) ([]llm.Endpoint, map[string]time.Time, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT e.id, e.name, e.base_url, e.api_key, e.model, e.temperature, e.max_tokens, e.is_active,
		       h.last_failure_at
		FROM llm_endpoints e
		LEFT JOIN llm_endpoint_health h ON h.endpoint_id = e.id
		ORDER BY e.created_at ASC
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []llm.Endpoint
	failures := make(map[string]time.Time)

	for rows.Next() {
		var ep llm.Endpoint
		var lastFailure sql.NullTime
		if err := rows.Scan(
			&ep.ID, &ep.Name, &ep.BaseURL, &ep.APIKey, &ep.Model,
			&ep.Temperature, &ep.MaxTokens, &ep.IsActive, &lastFailure,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		if lastFailure.Valid {
			failures[ep.ID] = lastFailure.Time
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints, failures, rows.Err()
}

// EndpointHealthStore persists pool health updates to the overlay table.
type EndpointHealthStore struct {
	db *sql.DB
}

// NewEndpointHealthStore creates a health store over the given connection.
func NewEndpointHealthStore(db *sql.DB) *EndpointHealthStore {
	return &EndpointHealthStore{db: db}
}

// RecordFailure stamps the endpoint's last failure time.
func (s *EndpointHealthStore) RecordFailure(ctx context.Context, endpointID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_endpoint_health (endpoint_id, last_failure_at, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (endpoint_id) DO UPDATE SET last_failure_at = EXCLUDED.last_failure_at, updated_at = NOW()
	`, endpointID, at)
	return err
}

// ClearFailure removes the endpoint's failure timestamp.
func (s *EndpointHealthStore) ClearFailure(ctx context.Context, endpointID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE llm_endpoint_health
		SET last_failure_at = NULL, updated_at = NOW()
		WHERE endpoint_id = $1
	`, endpointID)
	return err
}
