package types

import (
	"fmt"
	"net/url"
)

// ConnInfo holds the connection parameters for one PostgreSQL database.
// It is a plain value type; equality via == is used to detect settings
// changes in the updater.
type ConnInfo struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// NullConnInfo returns the zero-value ConnInfo used as an explicit
// "no database configured" marker.
func NullConnInfo() ConnInfo {
	return ConnInfo{}
}

// IsNull reports whether the info does not identify a usable database.
// A missing database name or host makes the info null regardless of the
// other fields.
func (c ConnInfo) IsNull() bool {
	return c.Database == "" || c.Host == ""
}

// DSN builds a postgres:// connection URL. Credentials are included only
// when present: user+password, user alone, or none at all. url.URL applies
// userinfo percent-encoding, so credentials containing spaces or reserved
// characters round-trip through the URL parser unchanged.
func (c ConnInfo) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}
	return u.String()
}

// Redacted returns a loggable description with the password masked.
func (c ConnInfo) Redacted() string {
	if c.IsNull() {
		return "<null>"
	}
	user := c.User
	if user == "" {
		user = "-"
	}
	return fmt.Sprintf("%s@%s:%d/%s", user, c.Host, c.Port, c.Database)
}
