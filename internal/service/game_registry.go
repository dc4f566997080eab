package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"turnbot/internal/game"
	"turnbot/internal/logger"
	"turnbot/internal/metrics"
	"turnbot/internal/repository"

	"github.com/google/uuid"
)

var (
	ErrNoActiveGame       = errors.New("no active game")
	ErrNotYourTurn        = errors.New("it is not your turn")
	ErrNotNormalPlayer    = errors.New("only the current normal turn player can start a reaction")
	ErrReactionInProgress = errors.New("a reaction is already in progress")
	ErrSelfReaction       = errors.New("you cannot react to your own turn")
	ErrAlreadyReacting    = errors.New("that player is already reacting")
	ErrSaveFailed         = errors.New("failed to save game state")
	ErrPublishFailed      = errors.New("failed to publish panel")

	// напоминание или нажатие устарело: тихий no-op
	errStale = errors.New("stale")
	// переход уже применен (повторный End): успех без побочных эффектов
	errNoop = errors.New("noop")
)

const (
	DefaultReminderDelay = 24 * time.Hour
	ReminderNotice       = "Reminder: still waiting on you."
)

// Panel - внешний коллаборатор, который рисует и публикует панель управления игрой.
// Замена панели - две отдельные операции: сначала Publish новой, потом Delete старой.
type Panel interface {
	Render(gameName string, st *game.TurnState, includeOrder bool) string
	Publish(ctx context.Context, chatID int64, gameName, content string) (int, error)
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// Action - тип перехода
type Action string

const (
	ActionStart    Action = "start"
	ActionReact    Action = "react"
	ActionDone     Action = "done"
	ActionSkip     Action = "skip"
	ActionEnd      Action = "end"
	ActionPanel    Action = "panel"
	ActionReminder Action = "reminder"
)

// Snapshot - копия состояния игры для чтения снаружи
type Snapshot struct {
	ChatID       int64      `json:"chat_id"`
	Game         string     `json:"game"`
	Players      []int64    `json:"players"`
	NormalPlayer int64      `json:"normal_player"`
	CurrentActor int64      `json:"current_actor"`
	Reactions    []int64    `json:"reactions"`
	Phase        game.Phase `json:"phase"`
	Active       bool       `json:"active"`
	MessageID    *int       `json:"message_id,omitempty"`
}

func newSnapshot(key game.GameKey, st *game.TurnState) Snapshot {
	c := st.Clone()
	return Snapshot{
		ChatID:       key.ChatID,
		Game:         key.Game,
		Players:      c.Players,
		NormalPlayer: c.CurrentNormalPlayer(),
		CurrentActor: c.CurrentActor(),
		Reactions:    c.Reactions,
		Phase:        c.Phase(),
		Active:       c.Active,
		MessageID:    c.MessageID,
	}
}

// GameEvent отправляется наблюдателям после каждого зафиксированного перехода
type GameEvent struct {
	ID      string    `json:"id"`
	Action  Action    `json:"action"`
	Invoker int64     `json:"invoker,omitempty"`
	State   Snapshot  `json:"state"`
	At      time.Time `json:"at"`
}

// RegistryOptions - настройки реестра
type RegistryOptions struct {
	ReminderDelay time.Duration
	Logger        *slog.Logger
}

// GameRegistry - таблица живых игр процесса и протокол переходов:
// проверка -> мутация копии -> сохранение всей карты -> перепланирование напоминания ->
// публикация панели -> запись нового message id -> удаление старой панели.
// Все переходы одного ключа сериализуются мьютексом ключа от чтения до конца публикации.
type GameRegistry struct {
	store     repository.StateStore
	panel     Panel
	reminders *ReminderScheduler
	log       *slog.Logger

	mu    sync.RWMutex
	games map[game.GameKey]*game.TurnState

	locksMu sync.Mutex
	locks   map[game.GameKey]*sync.Mutex

	// снимок таблицы и запись в хранилище выполняются под одним мьютексом,
	// иначе более старый снимок может перезаписать более новый
	saveMu sync.Mutex

	obsMu     sync.RWMutex
	observers []func(GameEvent)
}

// NewGameRegistry загружает игры из хранилища. Ошибка загрузки не фатальна:
// реестр стартует с тем, что удалось прочитать.
func NewGameRegistry(ctx context.Context, store repository.StateStore, panel Panel, opts RegistryOptions) *GameRegistry {
	log := opts.Logger
	if log == nil {
		log = logger.With("component", "game_registry")
	}
	delay := opts.ReminderDelay
	if delay <= 0 {
		delay = DefaultReminderDelay
	}

	games, err := store.Load(ctx)
	if err != nil {
		log.Warn("state load degraded", "error", err, "loaded", len(games))
	}
	if games == nil {
		games = make(map[game.GameKey]*game.TurnState)
	}

	r := &GameRegistry{
		store: store,
		panel: panel,
		log:   log,
		games: games,
		locks: make(map[game.GameKey]*sync.Mutex),
	}
	r.reminders = NewReminderScheduler(delay, r.remind)
	metrics.ActiveGames.Set(float64(r.activeCount()))

	log.Info("game registry loaded", "games", len(games), "active", r.activeCount())
	return r
}

// OnEvent регистрирует наблюдателя переходов
func (r *GameRegistry) OnEvent(fn func(GameEvent)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// Recover заново ставит напоминания для всех активных игр после рестарта.
// Таймеры не персистятся, поэтому каждый получает полную задержку.
func (r *GameRegistry) Recover() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for key, st := range r.games {
		if !st.Active {
			continue
		}
		r.reminders.Arm(key, st.CurrentActor())
		n++
	}
	r.log.Info("reminders re-armed after restart", "count", n)
	return n
}

// Close останавливает все напоминания
func (r *GameRegistry) Close() {
	r.reminders.Stop()
}

// Start создает (или заменяет) игру и публикует панель с порядком ходов
func (r *GameRegistry) Start(ctx context.Context, chatID int64, gameName string, invoker int64, players []int64) (Snapshot, error) {
	key := game.NewGameKey(chatID, gameName)
	if key.Game == "" {
		return Snapshot{}, game.ErrEmptyGameName
	}
	return r.run(ctx, transition{
		action:       ActionStart,
		key:          key,
		invoker:      invoker,
		includeOrder: true,
		mutates:      true,
		publish:      true,
		mutate: func(cur *game.TurnState) (*game.TurnState, error) {
			next, err := game.NewTurnState(players)
			if err != nil {
				return nil, err
			}
			// панель прежней игры остается за ключом, пока новая не опубликована
			if cur != nil && cur.MessageID != nil {
				next.SetMessageID(*cur.MessageID)
			}
			return next, nil
		},
	})
}

// RequestReaction проверяет, может ли invoker открыть выбор реагирующего игрока,
// и возвращает кандидатов (все игроки, кроме текущего игрока обычного хода)
func (r *GameRegistry) RequestReaction(key game.GameKey, invoker int64) ([]int64, error) {
	st, err := r.State(key)
	if err != nil {
		return nil, err
	}
	if err := checkCanReact(st, invoker); err != nil {
		return nil, err
	}
	normal := st.CurrentNormalPlayer()
	return slices.DeleteFunc(slices.Clone(st.Players), func(p int64) bool { return p == normal }), nil
}

func checkCanReact(st *game.TurnState, invoker int64) error {
	if invoker != st.CurrentNormalPlayer() {
		return ErrNotNormalPlayer
	}
	// глубина стека реакций ограничена единицей на этом уровне
	if st.IsReacting() {
		return ErrReactionInProgress
	}
	return nil
}

// React передает управление selected для разовой реакции
func (r *GameRegistry) React(ctx context.Context, key game.GameKey, invoker, selected int64) (Snapshot, error) {
	return r.run(ctx, transition{
		action:  ActionReact,
		key:     key,
		invoker: invoker,
		mutates: true,
		publish: true,
		mutate: func(cur *game.TurnState) (*game.TurnState, error) {
			if err := requireActive(cur); err != nil {
				return nil, err
			}
			if err := checkCanReact(cur, invoker); err != nil {
				return nil, err
			}
			if selected == cur.CurrentNormalPlayer() {
				return nil, ErrSelfReaction
			}
			next := cur.Clone()
			if !next.PushReaction(selected) {
				return nil, ErrAlreadyReacting
			}
			return next, nil
		},
	})
}

// Done завершает ход текущего актора: снимает реакцию или передает обычный ход
func (r *GameRegistry) Done(ctx context.Context, key game.GameKey, invoker int64) (Snapshot, error) {
	return r.run(ctx, transition{
		action:  ActionDone,
		key:     key,
		invoker: invoker,
		mutates: true,
		publish: true,
		mutate: func(cur *game.TurnState) (*game.TurnState, error) {
			if err := requireActive(cur); err != nil {
				return nil, err
			}
			if invoker != cur.CurrentActor() {
				return nil, ErrNotYourTurn
			}
			return step(cur), nil
		},
	})
}

// Skip делает то же, что Done, но без проверки актора: пропустить может любой
func (r *GameRegistry) Skip(ctx context.Context, key game.GameKey, invoker int64) (Snapshot, error) {
	return r.run(ctx, transition{
		action:  ActionSkip,
		key:     key,
		invoker: invoker,
		mutates: true,
		publish: true,
		mutate: func(cur *game.TurnState) (*game.TurnState, error) {
			if err := requireActive(cur); err != nil {
				return nil, err
			}
			return step(cur), nil
		},
	})
}

// End мягко удаляет игру; закончить может любой.
// Повторный End уже законченной игры ничего не делает и не возвращает ошибку.
func (r *GameRegistry) End(ctx context.Context, key game.GameKey, invoker int64) (Snapshot, error) {
	return r.run(ctx, transition{
		action:  ActionEnd,
		key:     key,
		invoker: invoker,
		mutates: true,
		mutate: func(cur *game.TurnState) (*game.TurnState, error) {
			if cur != nil && !cur.Active {
				return nil, errNoop
			}
			if err := requireActive(cur); err != nil {
				return nil, err
			}
			next := cur.Clone()
			next.Deactivate()
			return next, nil
		},
	})
}

// Panel перепубликует текущую панель (ручное восстановление после сбоя публикации)
func (r *GameRegistry) Panel(ctx context.Context, key game.GameKey, invoker int64) (Snapshot, error) {
	return r.run(ctx, transition{
		action:  ActionPanel,
		key:     key,
		invoker: invoker,
		publish: true,
		mutate: func(cur *game.TurnState) (*game.TurnState, error) {
			if err := requireActive(cur); err != nil {
				return nil, err
			}
			return cur, nil
		},
	})
}

// remind - колбэк планировщика. Перепроверяет игру под мьютексом ключа:
// если игры нет, она закончена или ход уже у другого, ничего не делает.
func (r *GameRegistry) remind(key game.GameKey, target int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := r.run(ctx, transition{
		action:  ActionReminder,
		key:     key,
		invoker: target,
		notice:  ReminderNotice,
		publish: true,
		mutate: func(cur *game.TurnState) (*game.TurnState, error) {
			if cur == nil || !cur.Active || cur.CurrentActor() != target {
				return nil, errStale
			}
			return cur, nil
		},
	})
	switch {
	case err == nil:
		metrics.RemindersFired.WithLabelValues("sent").Inc()
	case errors.Is(err, errStale):
		metrics.RemindersFired.WithLabelValues("stale").Inc()
		r.log.Debug("stale reminder dropped", "key", key.String(), "target", target)
	default:
		metrics.RemindersFired.WithLabelValues("failed").Inc()
	}
}

// State возвращает копию активной игры
func (r *GameRegistry) State(key game.GameKey) (*game.TurnState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.games[key]
	if !ok || !st.Active {
		return nil, ErrNoActiveGame
	}
	return st.Clone(), nil
}

// Status возвращает снимок активной игры
func (r *GameRegistry) Status(key game.GameKey) (Snapshot, error) {
	st, err := r.State(key)
	if err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(key, st), nil
}

// List возвращает отсортированные имена активных игр чата
func (r *GameRegistry) List(chatID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for key, st := range r.games {
		if key.ChatID == chatID && st.Active {
			names = append(names, key.Game)
		}
	}
	sort.Strings(names)
	return slices.Compact(names)
}

// Snapshots возвращает снимки активных игр чата
func (r *GameRegistry) Snapshots(chatID int64) []Snapshot {
	out := []Snapshot{}
	for _, name := range r.List(chatID) {
		if s, err := r.Status(game.GameKey{ChatID: chatID, Game: name}); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// ReminderTarget возвращает адресата ожидающего напоминания (для диагностики)
func (r *GameRegistry) ReminderTarget(key game.GameKey) (int64, bool) {
	return r.reminders.Pending(key)
}

func requireActive(st *game.TurnState) error {
	if st == nil || !st.Active {
		return ErrNoActiveGame
	}
	return nil
}

// step - общий шаг Done/Skip: реакция снимается без сдвига обычного хода
func step(cur *game.TurnState) *game.TurnState {
	next := cur.Clone()
	if next.IsReacting() {
		next.PopReaction()
	} else {
		next.AdvanceNormalTurn()
	}
	return next
}

type transition struct {
	action       Action
	key          game.GameKey
	invoker      int64
	includeOrder bool
	notice       string
	// mutates: сохранить и перепланировать напоминание; publish: опубликовать панель
	mutates bool
	publish bool
	// mutate получает текущую запись (может быть nil) и возвращает новую,
	// не трогая текущую. Ошибка означает отказ без изменений.
	mutate func(cur *game.TurnState) (*game.TurnState, error)
}

func (r *GameRegistry) run(ctx context.Context, t transition) (Snapshot, error) {
	opID := uuid.NewString()
	ctx = logger.ContextWithOpID(ctx, opID)
	log := r.log.With("op_id", opID, "action", string(t.action), "key", t.key.String(), "invoker", t.invoker)

	unlock := r.lockKey(t.key)
	defer unlock()

	r.mu.RLock()
	cur := r.games[t.key]
	r.mu.RUnlock()

	next, err := t.mutate(cur)
	if errors.Is(err, errNoop) {
		log.Debug("transition already applied")
		return newSnapshot(t.key, cur), nil
	}
	if err != nil {
		if !errors.Is(err, errStale) {
			metrics.Transitions.WithLabelValues(string(t.action), metrics.ResultRejected).Inc()
			log.Debug("transition rejected", "reason", err)
		}
		return Snapshot{}, err
	}

	var oldMessageID *int
	if cur != nil && cur.MessageID != nil {
		id := *cur.MessageID
		oldMessageID = &id
	}

	if t.mutates {
		if err := r.commit(ctx, t.key, next); err != nil {
			metrics.Transitions.WithLabelValues(string(t.action), metrics.ResultFailed).Inc()
			log.Error("state save failed, transition rolled back", "error", err)
			return Snapshot{}, fmt.Errorf("%w: %v", ErrSaveFailed, err)
		}
		if next.Active {
			r.reminders.Arm(t.key, next.CurrentActor())
		} else {
			r.reminders.Cancel(t.key)
		}
	}

	var publishErr error
	if t.publish {
		next, publishErr = r.publish(ctx, log, t, next)
	}

	// старая панель удаляется только после подтвержденной публикации новой
	if oldMessageID != nil && publishErr == nil && (next.MessageID == nil || *next.MessageID != *oldMessageID) {
		if err := r.panel.Delete(ctx, t.key.ChatID, *oldMessageID); err != nil {
			metrics.PanelDeleteFailures.Inc()
			log.Warn("old panel left orphaned", "message_id", *oldMessageID, "error", err)
		}
	}

	metrics.Transitions.WithLabelValues(string(t.action), metrics.ResultOK).Inc()
	snap := newSnapshot(t.key, next)
	log.Info("transition applied", "actor", snap.CurrentActor, "phase", string(snap.Phase), "active", snap.Active)
	r.emit(GameEvent{ID: opID, Action: t.action, Invoker: t.invoker, State: snap, At: time.Now()})

	if publishErr != nil {
		return snap, publishErr
	}
	return snap, nil
}

// publish публикует новую панель и записывает ее id. Ошибка публикации не откатывает
// уже сохраненное состояние; ошибка повторного сохранения только логируется.
func (r *GameRegistry) publish(ctx context.Context, log *slog.Logger, t transition, st *game.TurnState) (*game.TurnState, error) {
	content := r.panel.Render(t.key.Game, st, t.includeOrder)
	if t.notice != "" {
		content += "\n\n" + t.notice
	}

	messageID, err := r.panel.Publish(ctx, t.key.ChatID, t.key.Game, content)
	if err != nil {
		metrics.PanelPublishFailures.Inc()
		log.Error("panel publish failed", "error", err)
		return st, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	next := st.Clone()
	next.SetMessageID(messageID)
	if err := r.commit(ctx, t.key, next); err != nil {
		// в памяти id все равно нужен, чтобы следующая замена удалила эту панель
		r.mu.Lock()
		r.games[t.key] = next
		r.mu.Unlock()
		log.Error("failed to persist panel message id", "message_id", messageID, "error", err)
	}
	return next, nil
}

// commit сохраняет карту с next на месте key и только после успеха
// подменяет запись в памяти
func (r *GameRegistry) commit(ctx context.Context, key game.GameKey, next *game.TurnState) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	snapshot := make(map[game.GameKey]*game.TurnState, len(r.games)+1)
	for k, v := range r.games {
		snapshot[k] = v
	}
	r.mu.RUnlock()
	snapshot[key] = next

	if err := r.store.Save(ctx, snapshot); err != nil {
		metrics.StoreSaveFailures.Inc()
		return err
	}

	r.mu.Lock()
	r.games[key] = next
	active := 0
	for _, st := range r.games {
		if st.Active {
			active++
		}
	}
	r.mu.Unlock()
	metrics.ActiveGames.Set(float64(active))
	return nil
}

func (r *GameRegistry) lockKey(key game.GameKey) func() {
	r.locksMu.Lock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

func (r *GameRegistry) emit(ev GameEvent) {
	r.obsMu.RLock()
	observers := slices.Clone(r.observers)
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func (r *GameRegistry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.games {
		if st.Active {
			n++
		}
	}
	return n
}
