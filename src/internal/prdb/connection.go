package prdb

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// ConnectionConfig identifies one configured data-source connection.
type ConnectionConfig struct {
	Key       string `db:"key"`
	Type      string `db:"connection_type"`
	Disabled  bool   `db:"disabled"`
	AccessURL string `db:"access_url"`
}

// UpsertConnectionConfig inserts or updates a connection config.
func UpsertConnectionConfig(ctx context.Context, ext sqlx.ExtContext, c ConnectionConfig) error {
	_, err := ext.ExecContext(ctx,
		`INSERT INTO connection_configs (key, connection_type, disabled, access_url) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET connection_type = $2, disabled = $3, access_url = $4`,
		c.Key, c.Type, c.Disabled, sql.NullString{String: c.AccessURL, Valid: c.AccessURL != ""})
	return errors.Wrap(err, "upsert connection config")
}

// ListEnabledConnections returns every connection that is not disabled.
func ListEnabledConnections(ctx context.Context, ext sqlx.ExtContext) ([]ConnectionConfig, error) {
	var rows []struct {
		Key       string         `db:"key"`
		Type      string         `db:"connection_type"`
		Disabled  bool           `db:"disabled"`
		AccessURL sql.NullString `db:"access_url"`
	}
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT key, connection_type, disabled, access_url FROM connection_configs WHERE NOT disabled ORDER BY key ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled connections")
	}
	out := make([]ConnectionConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, ConnectionConfig{Key: r.Key, Type: r.Type, Disabled: r.Disabled, AccessURL: r.AccessURL.String})
	}
	return out, nil
}
