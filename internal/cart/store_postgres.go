package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const cartsSchema = `
	CREATE TABLE IF NOT EXISTS carts (
		cart_id    TEXT PRIMARY KEY,
		items      JSONB NOT NULL DEFAULT '[]'::jsonb,
		total      DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PgxPool is the subset of *pgxpool.Pool the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// PostgresStore locks the cart row for the duration of an update.
type PostgresStore struct {
	db PgxPool
}

func NewPostgresStore(db PgxPool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, cartsSchema)
		return err
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return withTimeout(ctx, pingTimeout, func(ctx context.Context) error {
		return s.db.Ping(ctx)
	})
}

func (s *PostgresStore) Close(context.Context) error {
	if c, ok := s.db.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, cartID string) (Cart, bool, error) {
	var (
		c  Cart
		ok bool
	)
	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		var err error
		c, ok, err = scanCart(cartID, s.db.QueryRow(ctx, `
			SELECT items, total
			FROM carts
			WHERE cart_id = $1
		`, cartID))
		return err
	})
	if err != nil {
		return Cart{}, false, fmt.Errorf("select cart: %w", err)
	}
	return c, ok, nil
}

func (s *PostgresStore) Update(ctx context.Context, cartID string, fn Mutation) (Cart, error) {
	return retryStale(ctx, func() (Cart, error) {
		var out Cart
		err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
			var (
				written bool
				err     error
			)
			out, written, err = s.updateTx(ctx, cartID, fn)
			if err == nil && !written {
				return errStale
			}
			return err
		})
		return out, err
	})
}

// updateTx reports false when a concurrent request created the same cart first.
func (s *PostgresStore) updateTx(ctx context.Context, cartID string, fn Mutation) (Cart, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Cart{}, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, exists, err := scanCart(cartID, tx.QueryRow(ctx, `
		SELECT items, total
		FROM carts
		WHERE cart_id = $1
		FOR UPDATE
	`, cartID))
	if err != nil {
		return Cart{}, false, fmt.Errorf("select cart: %w", err)
	}
	if !exists {
		c = New(cartID)
	}

	if err := apply(&c, exists, fn); err != nil {
		return Cart{}, false, err
	}

	items, err := json.Marshal(c.Items)
	if err != nil {
		return Cart{}, false, fmt.Errorf("marshal items: %w", err)
	}

	if exists {
		_, err = tx.Exec(ctx, `
			UPDATE carts
			SET items = $2, total = $3, updated_at = now()
			WHERE cart_id = $1
		`, cartID, items, c.Total)
		if err != nil {
			return Cart{}, false, fmt.Errorf("update cart: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			INSERT INTO carts (cart_id, items, total)
			VALUES ($1, $2, $3)
			ON CONFLICT (cart_id) DO NOTHING
		`, cartID, items, c.Total)
		if err != nil {
			return Cart{}, false, fmt.Errorf("insert cart: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return Cart{}, false, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Cart{}, false, fmt.Errorf("commit: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) Take(ctx context.Context, cartID string) (Cart, bool, error) {
	var (
		c  Cart
		ok bool
	)
	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		var err error
		c, ok, err = scanCart(cartID, s.db.QueryRow(ctx, `
			DELETE FROM carts
			WHERE cart_id = $1
			RETURNING items, total
		`, cartID))
		return err
	})
	if err != nil {
		return Cart{}, false, fmt.Errorf("delete cart: %w", err)
	}
	return c, ok, nil
}

func scanCart(cartID string, row pgx.Row) (Cart, bool, error) {
	var (
		raw   []byte
		total float64
	)
	if err := row.Scan(&raw, &total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Cart{}, false, nil
		}
		return Cart{}, false, err
	}

	c := New(cartID)
	if err := json.Unmarshal(raw, &c.Items); err != nil {
		return Cart{}, false, fmt.Errorf("decode items: %w", err)
	}
	c.Total = total
	c.Recalculate()
	return c, true, nil
}
