package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"turnbot/internal/game"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStateRepository хранит каждую игру отдельной строкой turn_states
type PostgresStateRepository struct {
	db *pgxpool.Pool
}

// создает репозиторий состояния поверх пула соединений
func NewPostgresStateRepository(db *pgxpool.Pool) *PostgresStateRepository {
	return &PostgresStateRepository{db: db}
}

// создает таблицу, если ее еще нет
func (r *PostgresStateRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS turn_states (
			key        TEXT PRIMARY KEY,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// загружает все записи; битые записи пропускаются
func (r *PostgresStateRepository) Load(ctx context.Context) (map[game.GameKey]*game.TurnState, error) {
	out := make(map[game.GameKey]*game.TurnState)

	rows, err := r.db.Query(ctx, `SELECT key, state FROM turn_states`)
	if err != nil {
		return out, fmt.Errorf("query turn_states: %w", err)
	}
	defer rows.Close()

	var errs []error
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return make(map[game.GameKey]*game.TurnState), fmt.Errorf("scan turn_states: %w", err)
		}
		st, err := decodeRecord(key, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		k, _ := game.ParseGameKey(key)
		out[k] = st
	}
	if err := rows.Err(); err != nil {
		return make(map[game.GameKey]*game.TurnState), fmt.Errorf("read turn_states: %w", err)
	}
	return out, errors.Join(errs...)
}

// перезаписывает таблицу целиком в одной транзакции
func (r *PostgresStateRepository) Save(ctx context.Context, states map[game.GameKey]*game.TurnState) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	keys := make([]string, 0, len(states))
	batch := &pgx.Batch{}
	for k, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		keys = append(keys, k.String())
		batch.Queue(`
			INSERT INTO turn_states (key, state, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
		`, k.String(), data)
	}
	batch.Queue(`DELETE FROM turn_states WHERE NOT (key = ANY($1))`, keys)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write turn_states: %w", err)
	}
	return tx.Commit(ctx)
}
