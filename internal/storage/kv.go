package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Get reads a single value from kv_entries. A missing row is found=false.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	q := s.sql.Select("value").
		From("kv_entries").
		Where(sq.Eq{"name": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", false, fmt.Errorf("build get query: %w", err)
	}

	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	q := s.sql.Insert("kv_entries").
		Columns("name", "value", "updated_at").
		Values(key, value, nowExpr(s.driver)).
		Suffix("ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	sqlStr, args, err := s.sql.Delete("kv_entries").Where(sq.Eq{"name": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build remove query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
