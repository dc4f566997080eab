package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"turnbot/internal/game"
)

// StateStore - долговременное хранилище всех игр целиком.
// Load всегда возвращает ненулевую карту: при ошибке разбора она пустая
// (или содержит только валидные записи), а ошибка лишь сообщает, что было пропущено.
// Save перезаписывает копию целиком и возвращает ошибку записи.
type StateStore interface {
	Load(ctx context.Context) (map[game.GameKey]*game.TurnState, error)
	Save(ctx context.Context, states map[game.GameKey]*game.TurnState) error
}

// кодирует карту в формат {"{chat}:{game}": {...}}
func encodeStates(states map[game.GameKey]*game.TurnState) ([]byte, error) {
	raw := make(map[string]*game.TurnState, len(states))
	for k, s := range states {
		raw[k.String()] = s
	}
	return json.MarshalIndent(raw, "", "  ")
}

// декодирует карту, пропуская неразборчивые ключи и невалидные записи
func decodeStates(data []byte) (map[game.GameKey]*game.TurnState, error) {
	out := make(map[game.GameKey]*game.TurnState)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return out, fmt.Errorf("parse state: %w", err)
	}

	var errs []error
	for k, v := range raw {
		st, err := decodeRecord(k, v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key, _ := game.ParseGameKey(k)
		out[key] = st
	}
	return out, errors.Join(errs...)
}

func decodeRecord(key string, data []byte) (*game.TurnState, error) {
	if _, err := game.ParseGameKey(key); err != nil {
		return nil, err
	}
	var st game.TurnState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("record %q: %w", key, err)
	}
	if st.Reactions == nil {
		st.Reactions = []int64{}
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("record %q: %w", key, err)
	}
	return &st, nil
}

// FileStateRepository хранит состояние в одном JSON файле
type FileStateRepository struct {
	path string
	mu   sync.Mutex
}

// создает файловый репозиторий состояния
func NewFileStateRepository(path string) *FileStateRepository {
	return &FileStateRepository{path: path}
}

// загружает все игры; отсутствующий файл - это просто "игр нет"
func (r *FileStateRepository) Load(ctx context.Context) (map[game.GameKey]*game.TurnState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[game.GameKey]*game.TurnState), nil
		}
		return make(map[game.GameKey]*game.TurnState), fmt.Errorf("read %s: %w", r.path, err)
	}
	return decodeStates(data)
}

// атомарно перезаписывает файл через временный файл и rename
func (r *FileStateRepository) Save(ctx context.Context, states map[game.GameKey]*game.TurnState) error {
	data, err := encodeStates(states)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename to %s: %w", r.path, err)
	}
	return nil
}

// MemoryStateRepository - хранилище в памяти (для тестов и dry-run)
type MemoryStateRepository struct {
	mu      sync.Mutex
	data    []byte
	saves   int
	saveErr error
}

func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{}
}

func (r *MemoryStateRepository) Load(ctx context.Context) (map[game.GameKey]*game.TurnState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return make(map[game.GameKey]*game.TurnState), nil
	}
	return decodeStates(r.data)
}

func (r *MemoryStateRepository) Save(ctx context.Context, states map[game.GameKey]*game.TurnState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	data, err := encodeStates(states)
	if err != nil {
		return err
	}
	r.data = data
	r.saves++
	return nil
}

// FailSaves заставляет все последующие Save возвращать err (nil - снова успешно)
func (r *MemoryStateRepository) FailSaves(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveErr = err
}

// Saves возвращает число успешных сохранений
func (r *MemoryStateRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
