package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists chat messages in PostgreSQL.
//
// Ownership model: the store does NOT own the pgx pool; the app closes it.
// The pool is shared read/write between the batched writer and history
// queries; each statement is self-contained so no extra locking is needed.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// SaveBatch writes a batch via COPY, one round trip regardless of size.
func (s *PostgresStore) SaveBatch(ctx context.Context, ims []IM) error {
	if len(ims) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{s.schema, "chat_messages"},
		[]string{"author", "sent_at", "content"},
		pgx.CopyFromSlice(len(ims), func(i int) ([]any, error) {
			im := ims[i]
			return []any{string(im.Author), int64(im.Timestamp), im.Content}, nil
		}),
	)
	return err
}

// RecentBefore returns up to limit messages sent at or before latest,
// most-recent-first.
func (s *PostgresStore) RecentBefore(ctx context.Context, latest Timestamp, limit int) ([]IM, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table := pgIdent(s.schema, "chat_messages")

	rows, err := s.pool.Query(ctx,
		`SELECT author, sent_at, content FROM `+table+
			` WHERE sent_at <= $1 ORDER BY sent_at DESC, id DESC LIMIT $2`,
		int64(latest), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]IM, 0, limit)
	for rows.Next() {
		var (
			author  string
			sentAt  int64
			content string
		)
		if err := rows.Scan(&author, &sentAt, &content); err != nil {
			return nil, err
		}
		out = append(out, IM{Author: User(author), Timestamp: Timestamp(sentAt), Content: content})
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
