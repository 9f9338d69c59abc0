package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// ProviderKey returns the customer-stored upstream key for (org, provider).
func (s *Store) ProviderKey(ctx context.Context, orgID, providerID string) (string, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT api_key FROM provider_keys WHERE org_id = ? AND provider_id = ?`,
		orgID, providerID,
	)
	var key string
	if err := row.Scan(&key); err != nil {
		return "", notFoundErr(err)
	}
	return key, nil
}

// StoredKeyProviders lists the provider ids the organization stored keys for.
func (s *Store) StoredKeyProviders(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider_id FROM provider_keys WHERE org_id = ? ORDER BY provider_id`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertProviderKey stores or replaces an upstream provider key.
func (s *Store) UpsertProviderKey(ctx context.Context, orgID, providerID, key string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_keys (org_id, provider_id, api_key, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(org_id, provider_id) DO UPDATE SET api_key = excluded.api_key`,
		orgID, providerID, key, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteProviderKey removes a stored provider key.
func (s *Store) DeleteProviderKey(ctx context.Context, orgID, providerID string) error {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_keys WHERE org_id = ? AND provider_id = ?`,
		orgID, providerID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}
