// Package dbutil opens connections to the engine's own postgres database.
package dbutil

import (
	"context"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/backoff"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/fidesql"
	"github.com/ethyca/fides-engine/src/internal/log"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections.
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default number of idle database connections
	// to maintain.  (2 comes from the default in database/sql.)
	DefaultMaxIdleConns = 2
	// DefaultSSLMode disables SSL, matching in-cluster deployments.
	DefaultSSLMode = "disable"
)

type dbConfig struct {
	host            string
	port            int
	user, password  string
	name            string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	connMaxIdleTime time.Duration
	sslMode         string
}

// Option configures the database connection.
type Option func(*dbConfig)

// WithHostPort sets the host and port.
func WithHostPort(host string, port int) Option {
	return func(c *dbConfig) {
		c.host = host
		c.port = port
	}
}

// WithDBName sets the database name.
func WithDBName(name string) Option {
	return func(c *dbConfig) {
		c.name = name
	}
}

// WithUserPassword sets the user and password.
func WithUserPassword(user, password string) Option {
	return func(c *dbConfig) {
		c.user = user
		c.password = password
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *dbConfig) {
		c.maxOpenConns = n
	}
}

// WithConnMaxLifetime sets the maximum amount of time a connection may be
// reused for.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(c *dbConfig) {
		c.connMaxLifetime = d
	}
}

// WithSSLMode sets the postgres sslmode parameter.
func WithSSLMode(mode string) Option {
	return func(c *dbConfig) {
		c.sslMode = mode
	}
}

func newConfig(opts ...Option) *dbConfig {
	c := &dbConfig{
		maxOpenConns: DefaultMaxOpenConns,
		maxIdleConns: DefaultMaxIdleConns,
		sslMode:      DefaultSSLMode,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func getDSN(c *dbConfig) string {
	fields := map[string]string{
		"connect_timeout": "30",
		"sslmode":         c.sslMode,
		// statement_cache_mode=describe is required for pg_bouncer
		// compatibility with the pgx driver.
		"statement_cache_mode": "describe",
	}
	if c.host != "" {
		fields["host"] = c.host
	}
	if c.port != 0 {
		fields["port"] = strconv.Itoa(c.port)
	}
	if c.name != "" {
		fields["dbname"] = c.name
	}
	if c.user != "" {
		fields["user"] = c.user
	}
	if c.password != "" {
		fields["password"] = c.password
	}
	var dsnParts []string
	for k, v := range fields {
		dsnParts = append(dsnParts, k+"="+v)
	}
	return strings.Join(dsnParts, " ")
}

// GetDSN returns the string for connecting to the postgres instance with the
// parameters specified in opts.  This is needed for operations that must run
// in a side session outside the pool.
func GetDSN(opts ...Option) string {
	return getDSN(newConfig(opts...))
}

// NewDB creates a new DB.
func NewDB(opts ...Option) (*fidesql.DB, error) {
	c := newConfig(opts...)
	if c.name == "" {
		return nil, errors.New("must specify database name")
	}
	if c.host == "" {
		return nil, errors.New("must specify database host")
	}
	if c.user == "" {
		return nil, errors.New("must specify user")
	}
	db, err := sqlx.Open("pgx", getDSN(c))
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	if c.maxOpenConns != 0 {
		db.SetMaxOpenConns(c.maxOpenConns)
	}
	// Always set these; 0 does not mean "use the default", it means "use
	// zero".
	db.SetMaxIdleConns(c.maxIdleConns)
	db.SetConnMaxLifetime(c.connMaxLifetime)
	db.SetConnMaxIdleTime(c.connMaxIdleTime)
	return db, nil
}

// WaitUntilReady attempts to ping the database until the context is canceled.
func WaitUntilReady(ctx context.Context, db *fidesql.DB) error {
	const period = time.Second
	const timeout = time.Second
	log.Info(ctx, "waiting for db to be ready")
	return backoff.RetryUntilCancel(ctx, func() error {
		ctx, cf := context.WithTimeout(ctx, timeout)
		defer cf()
		if err := db.PingContext(ctx); err != nil {
			log.Debug(ctx, "db is not ready yet")
			return errors.EnsureStack(err)
		}
		log.Info(ctx, "db is ready")
		return nil
	}, backoff.NewConstantBackOff(period), nil)
}
