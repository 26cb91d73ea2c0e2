package updatelog

import "fmt"

// Backend kinds accepted by NewBackend.
const (
	KindSQLite   = "sqlite"
	KindBolt     = "bolt"
	KindPostgres = "postgres"
)

// NewBackend builds the backend named by kind. path is the database file
// for SQLite and bbolt; url is the connection string for Postgres.
func NewBackend(kind, path, url string) (Backend, error) {
	switch kind {
	case KindSQLite, "":
		return NewSQLite(path), nil
	case KindBolt:
		return NewBolt(path), nil
	case KindPostgres:
		if url == "" {
			return nil, fmt.Errorf("updatelog: postgres backend needs a database url")
		}
		return NewPostgres(url), nil
	default:
		return nil, fmt.Errorf("updatelog: unknown backend %q", kind)
	}
}
