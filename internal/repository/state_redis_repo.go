package repository

import (
	"context"
	"errors"
	"fmt"

	"turnbot/internal/game"

	"github.com/redis/go-redis/v9"
)

// RedisStateRepository хранит всю карту одним JSON документом под ключом
type RedisStateRepository struct {
	client *redis.Client
	key    string
}

func NewRedisStateRepository(client *redis.Client, key string) *RedisStateRepository {
	return &RedisStateRepository{client: client, key: key}
}

func (r *RedisStateRepository) Load(ctx context.Context) (map[game.GameKey]*game.TurnState, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return make(map[game.GameKey]*game.TurnState), nil
		}
		return make(map[game.GameKey]*game.TurnState), fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return decodeStates(data)
}

func (r *RedisStateRepository) Save(ctx context.Context, states map[game.GameKey]*game.TurnState) error {
	data, err := encodeStates(states)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}
