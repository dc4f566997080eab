package game

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrNotEnoughPlayers = errors.New("at least two players are required")
	ErrDuplicatePlayer  = errors.New("players must be distinct")
	ErrInvalidPlayer    = errors.New("invalid player id")
	ErrEmptyGameName    = errors.New("game name is empty")
	ErrInvalidKey       = errors.New("invalid game key")
	ErrInvalidState     = errors.New("invalid turn state")
)

// Phase описывает, идет ли сейчас обычный ход или реакция
type Phase string

const (
	PhaseNormal   Phase = "normal"
	PhaseReacting Phase = "reacting"
)

// NormalizeGameName приводит имя игры к нижнему регистру и схлопывает пробелы.
// Два имени обозначают одну игру, если их нормализованные формы равны.
func NormalizeGameName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// GameKey уникально идентифицирует игру внутри чата
type GameKey struct {
	ChatID int64
	Game   string
}

// NewGameKey создает ключ с нормализованным именем игры
func NewGameKey(chatID int64, name string) GameKey {
	return GameKey{ChatID: chatID, Game: NormalizeGameName(name)}
}

func (k GameKey) String() string {
	return fmt.Sprintf("%d:%s", k.ChatID, k.Game)
}

// ParseGameKey разбирает ключ вида "{chatID}:{game}"
func ParseGameKey(s string) (GameKey, error) {
	chat, name, ok := strings.Cut(s, ":")
	if !ok {
		return GameKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return GameKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	name = NormalizeGameName(name)
	if name == "" {
		return GameKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return GameKey{ChatID: chatID, Game: name}, nil
}

// TurnState - состояние очереди ходов одной игры.
// Порядок Players не меняется после создания.
type TurnState struct {
	Players   []int64 `json:"players"`
	Index     int     `json:"index"`
	Active    bool    `json:"active"`
	Reactions []int64 `json:"reactions"`
	MessageID *int    `json:"message_id"`
}

// NewTurnState создает активную игру, первый ход у players[0]
func NewTurnState(players []int64) (*TurnState, error) {
	if len(players) < 2 {
		return nil, ErrNotEnoughPlayers
	}
	seen := make(map[int64]struct{}, len(players))
	for _, p := range players {
		if p <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPlayer, p)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicatePlayer, p)
		}
		seen[p] = struct{}{}
	}
	return &TurnState{
		Players:   slices.Clone(players),
		Index:     0,
		Active:    true,
		Reactions: []int64{},
	}, nil
}

// Validate проверяет запись, загруженную из хранилища
func (s *TurnState) Validate() error {
	if len(s.Players) < 2 {
		return fmt.Errorf("%w: %d players", ErrInvalidState, len(s.Players))
	}
	if s.Index < 0 || s.Index >= len(s.Players) {
		return fmt.Errorf("%w: index %d out of range", ErrInvalidState, s.Index)
	}
	return nil
}

// CurrentNormalPlayer возвращает игрока обычного хода
func (s *TurnState) CurrentNormalPlayer() int64 {
	return s.Players[s.Index]
}

// CurrentActor возвращает того, от кого сейчас ждут действия:
// вершину стека реакций, иначе игрока обычного хода
func (s *TurnState) CurrentActor() int64 {
	if n := len(s.Reactions); n > 0 {
		return s.Reactions[n-1]
	}
	return s.CurrentNormalPlayer()
}

func (s *TurnState) IsReacting() bool {
	return len(s.Reactions) > 0
}

func (s *TurnState) Phase() Phase {
	if s.IsReacting() {
		return PhaseReacting
	}
	return PhaseNormal
}

// PushReaction добавляет игрока на вершину стека реакций.
// Возвращает false, если игрок уже в стеке. Остальные правила проверяет вызывающий.
func (s *TurnState) PushReaction(userID int64) bool {
	if slices.Contains(s.Reactions, userID) {
		return false
	}
	s.Reactions = append(s.Reactions, userID)
	return true
}

// PopReaction снимает вершину стека. Index не меняется.
func (s *TurnState) PopReaction() (int64, bool) {
	n := len(s.Reactions)
	if n == 0 {
		return 0, false
	}
	top := s.Reactions[n-1]
	s.Reactions = s.Reactions[:n-1]
	return top, true
}

// AdvanceNormalTurn передает обычный ход следующему игроку по кругу
func (s *TurnState) AdvanceNormalTurn() int64 {
	s.Index = (s.Index + 1) % len(s.Players)
	return s.CurrentNormalPlayer()
}

// Deactivate мягко удаляет игру: запись остается в хранилище
func (s *TurnState) Deactivate() {
	s.Active = false
	s.Reactions = []int64{}
	s.MessageID = nil
}

func (s *TurnState) SetMessageID(id int) {
	s.MessageID = &id
}

// Clone возвращает глубокую копию
func (s *TurnState) Clone() *TurnState {
	c := &TurnState{
		Players:   slices.Clone(s.Players),
		Index:     s.Index,
		Active:    s.Active,
		Reactions: slices.Clone(s.Reactions),
	}
	if c.Reactions == nil {
		c.Reactions = []int64{}
	}
	if s.MessageID != nil {
		id := *s.MessageID
		c.MessageID = &id
	}
	return c
}
