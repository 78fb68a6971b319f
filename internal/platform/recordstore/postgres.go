package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeChannel is the Postgres NOTIFY channel announcing changed paths.
const ChangeChannel = "record_changes"

// PostgresStore keeps records in the records table (see migrations) and
// announces every write with pg_notify so watchers can LISTEN for changes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Put(ctx context.Context, path string, value json.RawMessage) error {
	if err := ValidatePath(path); err != nil {
		return wrapErr("put", path, err)
	}
	if !json.Valid(value) {
		return &Error{Op: "put", Path: path, Message: "value is not valid JSON"}
	}
	_, err := s.pool.Exec(ctx, `
		WITH w AS (
			INSERT INTO records (path, value) VALUES ($1, $2)
			ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
			RETURNING path
		)
		SELECT pg_notify('`+ChangeChannel+`', path) FROM w`,
		path, value)
	return wrapErr("put", path, err)
}

func (s *PostgresStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM records WHERE path = $1`, path).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get", path, err)
	}
	return json.RawMessage(value), nil
}

func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx, `
		WITH d AS (DELETE FROM records WHERE path = $1 RETURNING path)
		SELECT pg_notify('`+ChangeChannel+`', path) FROM d`, path)
	return wrapErr("delete", path, err)
}

func (s *PostgresStore) Snapshot(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, value FROM records WHERE path LIKE $1 ORDER BY seq`, likePattern(prefix))
	if err != nil {
		return nil, wrapErr("snapshot", prefix, err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		var value []byte
		if err := rows.Scan(&r.Path, &value); err != nil {
			return nil, wrapErr("snapshot", prefix, err)
		}
		r.Value = value
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("snapshot", prefix, err)
	}
	return out, nil
}

// Watch holds a dedicated pool connection in LISTEN mode for the lifetime of
// the subscription.
func (s *PostgresStore) Watch(ctx context.Context, prefix string) (<-chan []Record, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapErr("watch", prefix, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		conn.Release()
		return nil, wrapErr("watch", prefix, err)
	}

	initial, err := s.Snapshot(ctx, prefix)
	if err != nil {
		s.releaseListener(conn)
		return nil, err
	}

	ch := make(chan []Record, watchBuffer)
	offer(ch, initial)

	go func() {
		defer close(ch)
		defer s.releaseListener(conn)
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			if !under(n.Payload, prefix) {
				continue
			}
			snap, err := s.Snapshot(ctx, prefix)
			if err != nil {
				return
			}
			offer(ch, snap)
		}
	}()
	return ch, nil
}

func (s *PostgresStore) releaseListener(conn *pgxpool.Conn) {
	_, _ = conn.Exec(context.Background(), "UNLISTEN *")
	conn.Release()
}

// Close is a no-op; the pool is closed by whoever opened it.
func (s *PostgresStore) Close() error { return nil }

// likePattern turns a path prefix into a LIKE pattern matching everything
// strictly below it.
func likePattern(prefix string) string {
	if prefix == "" {
		return "%"
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "/%"
}
