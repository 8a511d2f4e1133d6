// Package fidesql is the standard way to talk to SQL databases in this
// project.  It exposes sqlx types under project-level aliases and opens
// connections to the dialects a connection config can point at: postgres,
// mysql, and snowflake.
package fidesql

import (
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	sf "github.com/snowflakedb/gosnowflake"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

const (
	ProtocolPostgres  = "postgres"
	ProtocolMySQL     = "mysql"
	ProtocolSnowflake = "snowflake"
)

// DB is an alias for sqlx.DB which is the standard database type used
// throughout the project.
type DB = sqlx.DB

// Tx is an alias for sqlx.Tx which is the standard transaction type used
// throughout the project.
type Tx = sqlx.Tx

// dialect binds a URL protocol to its driver, default port, and DSN format.
type dialect struct {
	driver      string
	defaultPort uint16
	dsn         func(u URL, password string) string
}

var dialects = map[string]dialect{
	ProtocolPostgres:  {driver: "pgx", defaultPort: 5432, dsn: postgresDSN},
	"postgresql":      {driver: "pgx", defaultPort: 5432, dsn: postgresDSN},
	ProtocolMySQL:     {driver: "mysql", defaultPort: 3306, dsn: mySQLDSN},
	ProtocolSnowflake: {driver: "snowflake", defaultPort: 443, dsn: snowflakeDSN},
}

// OpenURL returns a connection pool to the database u points at.  If
// password != "" then it is used for authentication.  This function does not
// confirm that the database is reachable; callers may be interested in
// DB.PingContext.
func OpenURL(u URL, password string) (*DB, error) {
	d, ok := dialects[u.Protocol]
	if !ok {
		return nil, errors.Errorf("database protocol %q not supported", u.Protocol)
	}
	db, err := sqlx.Open(d.driver, d.dsn(u, password))
	return db, errors.EnsureStack(err)
}

func postgresDSN(u URL, password string) string {
	fields := map[string]string{
		"user":   u.User,
		"host":   u.Host,
		"port":   strconv.Itoa(int(u.Port)),
		"dbname": u.Database,
	}
	if u.Schema != "" {
		fields["search_path"] = u.Schema
	}
	if password != "" {
		fields["password"] = password
	}
	for k, v := range u.Params {
		fields[k] = v
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}

func mySQLDSN(u URL, password string) string {
	params := make(map[string]string, len(u.Params)+1)
	for k, v := range u.Params {
		params[k] = v
	}
	params["parseTime"] = "true"
	cfg := mysql.Config{
		User:                 u.User,
		Passwd:               password,
		Net:                  "tcp",
		Addr:                 net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port))),
		DBName:               u.Database,
		Params:               params,
		AllowNativePasswords: true,
	}
	return cfg.FormatDSN()
}

func snowflakeDSN(u URL, password string) string {
	// The account identifier is usually the first label of the host name,
	// <account>.snowflakecomputing.com; an explicit account param wins.
	account := u.Params["account"]
	if account == "" && strings.HasSuffix(u.Host, "snowflakecomputing.com") {
		account = strings.Split(u.Host, ".")[0]
	}
	cfg := &sf.Config{
		Account:   account,
		User:      u.User,
		Password:  password,
		Database:  u.Database,
		Schema:    u.Schema,
		Warehouse: u.Params["warehouse"],
		Host:      u.Host,
		Port:      int(u.Port),
	}
	dsn, _ := sf.DSN(cfg)
	return dsn
}
