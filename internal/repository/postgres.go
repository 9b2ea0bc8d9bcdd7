// Package repository содержит реализацию кредитного леджера наград в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPlayerNotFound возвращается, если игрок ещё не получал наград.
var ErrPlayerNotFound = errors.New("player not found")

// PostgresRepository предоставляет доступ к кредитному леджеру наград.
// Начисление ключуется сабаккаунтом заказа, поэтому повторное начисление
// по одному заказу всегда no-op — это страховка от двойного кредита
// при гонке подтверждения с поллером и при падении между кредитом
// и записью статуса заказа.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreditReward начисляет игроку билеты за оплаченный заказ ровно один раз.
// Возвращает true, если начисление произошло, и false, если этот сабаккаунт
// уже был закредитован ранее.
func (r *PostgresRepository) CreditReward(ctx context.Context, subAccount, principal, skuID string, tickets int64) (bool, error) {
	var credited bool

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO credits (sub_account, principal, sku_id, tickets)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (sub_account) DO NOTHING`,
			subAccount, principal, skuID, tickets,
		)
		if err != nil {
			return fmt.Errorf("insert credit: %w", err)
		}

		credited = cmdTag.RowsAffected() == 1
		if !credited {
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO players (principal, tickets)
			 VALUES ($1, $2)
			 ON CONFLICT (principal) DO UPDATE SET tickets = players.tickets + EXCLUDED.tickets`,
			principal, tickets,
		)
		if err != nil {
			return fmt.Errorf("upsert player: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return credited, nil
}

// PlayerTickets возвращает текущее количество билетов игрока.
func (r *PostgresRepository) PlayerTickets(ctx context.Context, principal string) (int64, error) {
	var tickets int64
	err := r.pool.QueryRow(ctx,
		`SELECT tickets FROM players WHERE principal = $1`,
		principal,
	).Scan(&tickets)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrPlayerNotFound
		}
		return 0, fmt.Errorf("get player tickets: %w", err)
	}
	return tickets, nil
}
