package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tonpass/internal/subscription"
)

// SQLStore - хранилище с построчной записью по user_id (postgres или sqlite).
// Upsert - один INSERT ... ON CONFLICT в транзакции, без чтения всего снимка.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (r *SQLStore) schema() []string {
	ts := "TIMESTAMPTZ"
	if r.driver == "sqlite" {
		ts = "TIMESTAMP"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id          BIGINT PRIMARY KEY,
			subscription_id  BIGINT NOT NULL UNIQUE,
			plan_type        TEXT NOT NULL,
			subscribed_at    %[1]s NOT NULL,
			end_date         %[1]s NOT NULL,
			removed          BOOLEAN NOT NULL DEFAULT FALSE,
			transaction_hash TEXT NOT NULL,
			profile          TEXT NOT NULL DEFAULT ''
		)`, ts),
		`CREATE INDEX IF NOT EXISTS subscriptions_tx_idx ON subscriptions (transaction_hash)`,
		`CREATE TABLE IF NOT EXISTS subscription_sequence (
			name    TEXT PRIMARY KEY,
			next_id BIGINT NOT NULL
		)`,
		`INSERT INTO subscription_sequence (name, next_id) VALUES ('subscriptions', 1)
		 ON CONFLICT (name) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS used_transactions (
			transaction_hash TEXT PRIMARY KEY,
			user_id          BIGINT NOT NULL
		)`,
		// базы, созданные до появления used_transactions
		`INSERT INTO used_transactions (transaction_hash, user_id)
		 SELECT transaction_hash, user_id FROM subscriptions WHERE transaction_hash <> ''
		 ON CONFLICT DO NOTHING`,
	}
}

// Migrate создаёт таблицы, если их ещё нет
func (r *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range r.schema() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return &subscription.StorageError{Op: "migrate", Err: err}
		}
	}
	return nil
}

const selectColumns = `SELECT user_id, subscription_id, plan_type, subscribed_at, end_date, removed, transaction_hash, profile FROM subscriptions`

func (r *SQLStore) Load(ctx context.Context) ([]subscription.Record, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY subscription_id`)
	if err != nil {
		return nil, &subscription.StorageError{Op: "load", Err: err}
	}
	defer rows.Close()

	records := []subscription.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &subscription.StorageError{Op: "load", Err: err}
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &subscription.StorageError{Op: "load", Err: err}
	}
	return records, nil
}

func (r *SQLStore) Get(ctx context.Context, userID int64) (*subscription.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectColumns+` WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &subscription.StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

func (r *SQLStore) TransactionOwner(ctx context.Context, txHash string) (int64, bool, error) {
	var owner int64
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id FROM used_transactions WHERE transaction_hash = $1`, txHash).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &subscription.StorageError{Op: "get", Err: err}
	}
	return owner, true, nil
}

// Upsert закрепляет хэш транзакции и пишет запись в одной транзакции БД.
// Первичный ключ used_transactions не даёт двум пользователям забрать один хэш.
func (r *SQLStore) Upsert(ctx context.Context, rec subscription.Record) (subscription.Record, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := claimTransaction(ctx, tx, rec.TransactionHash, rec.UserID); err != nil {
			return err
		}

		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT subscription_id FROM subscriptions WHERE user_id = $1`, rec.UserID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			id, err = nextID(ctx, tx)
		}
		if err != nil {
			return err
		}
		rec.SubscriptionID = id

		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscriptions (user_id, subscription_id, plan_type, subscribed_at, end_date, removed, transaction_hash, profile)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (user_id) DO UPDATE SET
				plan_type = excluded.plan_type,
				subscribed_at = excluded.subscribed_at,
				end_date = excluded.end_date,
				removed = excluded.removed,
				transaction_hash = excluded.transaction_hash,
				profile = excluded.profile`,
			recordArgs(rec)...)
		return err
	})
	if errors.Is(err, subscription.ErrTransactionUsed) {
		return rec, err
	}
	if err != nil {
		return rec, &subscription.StorageError{Op: "upsert", Err: err}
	}
	return rec, nil
}

func claimTransaction(ctx context.Context, tx *sql.Tx, txHash string, userID int64) error {
	if txHash == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO used_transactions (transaction_hash, user_id) VALUES ($1, $2)
		 ON CONFLICT (transaction_hash) DO NOTHING`, txHash, userID); err != nil {
		return err
	}

	var owner int64
	if err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM used_transactions WHERE transaction_hash = $1`, txHash).Scan(&owner); err != nil {
		return err
	}
	if owner != userID {
		return subscription.ErrTransactionUsed
	}
	return nil
}

func (r *SQLStore) Remove(ctx context.Context, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return false, &subscription.StorageError{Op: "remove", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &subscription.StorageError{Op: "remove", Err: err}
	}
	return n > 0, nil
}

// Save заменяет содержимое таблицы целиком в одной транзакции
func (r *SQLStore) Save(ctx context.Context, records []subscription.Record) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
			return err
		}
		for _, rec := range records {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO subscriptions (user_id, subscription_id, plan_type, subscribed_at, end_date, removed, transaction_hash, profile)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				recordArgs(rec)...); err != nil {
				return err
			}
			if rec.TransactionHash != "" {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO used_transactions (transaction_hash, user_id) VALUES ($1, $2)
					 ON CONFLICT (transaction_hash) DO NOTHING`, rec.TransactionHash, rec.UserID); err != nil {
					return err
				}
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE subscription_sequence SET next_id = $1 WHERE name = 'subscriptions' AND next_id < $1`,
			maxID(records)+1)
		return err
	})
	if err != nil {
		return &subscription.StorageError{Op: "save", Err: err}
	}
	return nil
}

func (r *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nextID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`UPDATE subscription_sequence SET next_id = next_id + 1 WHERE name = 'subscriptions' RETURNING next_id - 1`).Scan(&id)
	return id, err
}

func recordArgs(rec subscription.Record) []any {
	return []any{
		rec.UserID,
		rec.SubscriptionID,
		string(rec.PlanType),
		rec.SubscribedAt.UTC(),
		rec.EndDate.UTC(),
		rec.Removed,
		rec.TransactionHash,
		string(rec.Profile),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*subscription.Record, error) {
	var (
		rec          subscription.Record
		plan         string
		profile      string
		subscribedAt time.Time
		endDate      time.Time
	)
	err := row.Scan(&rec.UserID, &rec.SubscriptionID, &plan, &subscribedAt, &endDate,
		&rec.Removed, &rec.TransactionHash, &profile)
	if err != nil {
		return nil, err
	}
	rec.PlanType = subscription.PlanType(plan)
	rec.SubscribedAt = subscribedAt.UTC()
	rec.EndDate = endDate.UTC()
	if profile != "" {
		rec.Profile = json.RawMessage(profile)
	}
	return &rec, nil
}
