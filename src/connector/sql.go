package connector

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/fidesql"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/record"
)

// SQLConnector executes collections as tables of a SQL database.  The
// collection name is the table name and top-level field names are column
// names.
type SQLConnector struct {
	key string
	db  *fidesql.DB
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewSQLConnector opens a pool against the connection's access URL.  The
// password is taken from FIDES_CONNECTION_PASSWORD_<KEY>; connection secrets
// never live in the application database.
func NewSQLConnector(_ context.Context, cfg prdb.ConnectionConfig) (*SQLConnector, error) {
	u, err := fidesql.ParseURL(cfg.AccessURL)
	if err != nil {
		return nil, errors.Wrapf(err, "connection %s", cfg.Key)
	}
	password := os.Getenv("FIDES_CONNECTION_PASSWORD_" + strings.ToUpper(cfg.Key))
	db, err := fidesql.OpenURL(*u, password)
	if err != nil {
		return nil, errors.Wrapf(err, "connection %s", cfg.Key)
	}
	return &SQLConnector{key: cfg.Key, db: db}, nil
}

// newSQLConnectorFromDB is used by tests to inject a mocked pool.
func newSQLConnectorFromDB(key string, db *fidesql.DB) *SQLConnector {
	return &SQLConnector{key: key, db: db}
}

func (c *SQLConnector) Key() string { return c.key }

func (c *SQLConnector) TestConnection(ctx context.Context) error {
	return errors.Wrapf(c.db.PingContext(ctx), "ping connection %s", c.key)
}

func (c *SQLConnector) Close() error {
	return errors.EnsureStack(c.db.Close())
}

// accessQuery renders the SELECT for a node: all declared columns, filtered
// by OR-ed IN clauses over the criteria columns in sorted order.  Returns the
// query with ? placeholders plus the bind arguments.
func (c *SQLConnector) accessQuery(node *graph.TraversalNode, criteria Criteria) (string, []interface{}, error) {
	table := node.Node.Collection.Name
	if !identifierRE.MatchString(table) {
		return "", nil, errors.Errorf("collection %s is not a valid table name", table)
	}
	var cols []string
	for _, f := range node.Node.Collection.Fields {
		if !identifierRE.MatchString(f.Name) {
			return "", nil, errors.Errorf("field %s is not a valid column name", f.Name)
		}
		cols = append(cols, f.Name)
	}
	keys := make([]string, 0, len(criteria))
	for k, vs := range criteria {
		if len(vs) == 0 {
			continue
		}
		if !identifierRE.MatchString(k) {
			return "", nil, errors.Errorf("criteria column %s is not a valid column name", k)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", nil, errors.Errorf("no criteria to query %s with", node.Node.Address)
	}
	sort.Strings(keys)
	var clauses []string
	var args []interface{}
	for _, k := range keys {
		values := criteria[k]
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", k, marks))
		for _, v := range values {
			args = append(args, v.ToAny())
		}
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(cols, ", "), table, strings.Join(clauses, " OR "))
	return query, args, nil
}

func (c *SQLConnector) Access(ctx context.Context, node *graph.TraversalNode, criteria Criteria) ([]record.Row, error) {
	query, args, err := c.accessQuery(node, criteria)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryxContext(ctx, c.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "access %s", node.Node.Address)
	}
	defer rows.Close()
	var out []record.Row
	for rows.Next() {
		raw := map[string]interface{}{}
		if err := rows.MapScan(raw); err != nil {
			return nil, errors.Wrapf(err, "scan %s", node.Node.Address)
		}
		row := record.Row{}
		for k, v := range raw {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[k] = record.FromAny(v)
		}
		out = append(out, row)
	}
	return out, errors.Wrapf(rows.Err(), "access %s", node.Node.Address)
}

// Mask updates the given fields on every row, matching rows by the
// collection's primary key.  Rows without a primary key value are skipped.
func (c *SQLConnector) Mask(ctx context.Context, node *graph.TraversalNode, rows []record.Row, updates []FieldUpdate) (int, error) {
	if len(updates) == 0 || len(rows) == 0 {
		return 0, nil
	}
	table := node.Node.Collection.Name
	if !identifierRE.MatchString(table) {
		return 0, errors.Errorf("collection %s is not a valid table name", table)
	}
	pk := primaryKey(node.Node.Collection)
	if pk == "" {
		return 0, errors.Errorf("collection %s has no primary key to mask by", node.Node.Address)
	}
	if !identifierRE.MatchString(pk) {
		return 0, errors.Errorf("field %s is not a valid column name", pk)
	}
	sorted := append([]FieldUpdate{}, updates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path.String() < sorted[j].Path.String() })
	var sets []string
	var setArgs []interface{}
	for _, u := range sorted {
		col := u.Path.String()
		if !identifierRE.MatchString(col) {
			return 0, errors.Errorf("field %s is not a valid column name", col)
		}
		sets = append(sets, col+" = ?")
		setArgs = append(setArgs, u.Value.ToAny())
	}
	query := c.db.Rebind(fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		table, strings.Join(sets, ", "), pk))
	var affected int
	for _, row := range rows {
		id, ok := row[pk]
		if !ok || id.IsNull() {
			continue
		}
		args := append(append([]interface{}{}, setArgs...), id.ToAny())
		res, err := c.db.ExecContext(ctx, query, args...)
		if err != nil {
			return affected, errors.Wrapf(err, "mask %s", node.Node.Address)
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += int(n)
		}
	}
	return affected, nil
}

// Consent does not apply to plain database tables; preference state lives in
// application rows already covered by the graph.
func (c *SQLConnector) Consent(context.Context, map[string]string, map[string]bool) (bool, error) {
	return false, nil
}

// DryRun renders the access query with placeholder markers, for operator
// preview before a request is approved.
func (c *SQLConnector) DryRun(node *graph.TraversalNode, criteria Criteria) (string, error) {
	query, _, err := c.accessQuery(node, criteria)
	if err != nil {
		return "", err
	}
	return query, nil
}

func primaryKey(col *graph.Collection) string {
	for _, f := range col.Fields {
		if f.PrimaryKey {
			return f.Name
		}
	}
	return ""
}

var _ Connector = &SQLConnector{}
