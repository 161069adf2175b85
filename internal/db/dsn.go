package db

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var dbnameKV = regexp.MustCompile(`(^|\s)dbname=('(?:[^'\\]|\\.)*'|\S*)`)

// WithDBName returns dsn pointing at database instead. Both URL DSNs
// (postgres:// and postgresql://) and keyword/value DSNs are accepted.
func WithDBName(dsn, database string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", errors.New("empty DSN")
	}
	database = strings.TrimPrefix(database, "/")
	if database == "" {
		return "", errors.New("empty database name")
	}

	if isKeywordDSN(dsn) {
		kv := "dbname=" + quoteKV(database)
		if dbnameKV.MatchString(dsn) {
			return dbnameKV.ReplaceAllString(dsn, "${1}"+strings.ReplaceAll(kv, "$", "$$")), nil
		}
		return dsn + " " + kv, nil
	}

	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DSN: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Path = "/" + database
	u.RawPath = ""
	return u.String(), nil
}

func isKeywordDSN(dsn string) bool {
	return !strings.Contains(dsn, "://") && strings.Contains(dsn, "=")
}

func quoteKV(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
