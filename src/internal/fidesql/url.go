package fidesql

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// URL contains the information needed to connect to a SQL database, except
// for the password.
type URL struct {
	Protocol string
	User     string
	Host     string
	Port     uint16
	Database string
	Schema   string
	Params   map[string]string
}

// ParseURL attempts to parse x into a URL.  The path holds /dbname or
// /dbname/schemaname; a missing port falls back to the protocol's default.
func ParseURL(x string) (*URL, error) {
	u, err := url.Parse(x)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "parse port %q", p)
		}
		port = uint16(n)
	} else {
		port = dialects[u.Scheme].defaultPort
	}
	params := make(map[string]string)
	for k, v := range u.Query() {
		if len(v) > 0 {
			params[k] = v[len(v)-1]
		}
	}
	var database, schema string
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) > 0 {
		database = parts[0]
	}
	if len(parts) == 2 {
		schema = parts[1]
	}
	return &URL{
		Protocol: u.Scheme,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Database: database,
		Schema:   schema,
		Params:   params,
	}, nil
}

func (u *URL) String() string {
	return (&url.URL{
		Scheme: u.Protocol,
		Host:   u.Host,
		User:   url.User(u.User),
		Path:   u.Database,
	}).String()
}
