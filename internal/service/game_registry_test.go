package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"turnbot/internal/game"
	"turnbot/internal/logger"
	"turnbot/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chatID int64 = -1001
	alice  int64 = 11
	bob    int64 = 22
	carol  int64 = 33
	dave   int64 = 44
)

type published struct {
	chatID    int64
	game      string
	content   string
	messageID int
	opID      string
}

type fakePanel struct {
	mu         sync.Mutex
	nextID     int
	published  []published
	deleted    []int
	publishErr error
	deleteErr  error
	onPublish  chan published
}

func newFakePanel() *fakePanel {
	return &fakePanel{nextID: 100, onPublish: make(chan published, 32)}
}

func (p *fakePanel) Render(gameName string, st *game.TurnState, includeOrder bool) string {
	text := fmt.Sprintf("Game: %s\nCurrent: %d", gameName, st.CurrentActor())
	if includeOrder {
		text += fmt.Sprintf("\nOrder: %v", st.Players)
	}
	return text
}

func (p *fakePanel) Publish(ctx context.Context, chatID int64, gameName, content string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return 0, p.publishErr
	}
	p.nextID++
	pub := published{chatID: chatID, game: gameName, content: content, messageID: p.nextID, opID: logger.OpID(ctx)}
	p.published = append(p.published, pub)
	select {
	case p.onPublish <- pub:
	default:
	}
	return p.nextID, nil
}

func (p *fakePanel) Delete(ctx context.Context, chatID int64, messageID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, messageID)
	return p.deleteErr
}

func (p *fakePanel) setPublishErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishErr = err
}

func (p *fakePanel) setDeleteErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteErr = err
}

func (p *fakePanel) publishCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePanel) deletedIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.deleted...)
}

func (p *fakePanel) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[len(p.published)-1]
}

func newTestRegistry(t *testing.T, store repository.StateStore, panel Panel, delay time.Duration) *GameRegistry {
	t.Helper()
	r := NewGameRegistry(context.Background(), store, panel, RegistryOptions{
		ReminderDelay: delay,
		Logger:        logger.New(io.Discard, "error", false),
	})
	t.Cleanup(r.Close)
	return r
}

func startGame(t *testing.T, r *GameRegistry, players ...int64) game.GameKey {
	t.Helper()
	_, err := r.Start(context.Background(), chatID, "  Catan ", alice, players)
	require.NoError(t, err)
	return game.NewGameKey(chatID, "catan")
}

func TestGameRegistry_StartArmsFirstPlayer(t *testing.T) {
	store := repository.NewMemoryStateRepository()
	panel := newFakePanel()
	r := newTestRegistry(t, store, panel, time.Hour)

	snap, err := r.Start(context.Background(), chatID, "Catan", dave, []int64{alice, bob, carol})
	require.NoError(t, err)

	assert.Equal(t, "catan", snap.Game)
	assert.Equal(t, alice, snap.CurrentActor)
	assert.Equal(t, game.PhaseNormal, snap.Phase)
	require.NotNil(t, snap.MessageID)
	assert.Equal(t, panel.last().messageID, *snap.MessageID)
	assert.Contains(t, panel.last().content, "Order:")

	target, ok := r.ReminderTarget(game.NewGameKey(chatID, "catan"))
	require.True(t, ok)
	assert.Equal(t, alice, target)
	assert.Equal(t, 2, store.Saves())
}

func TestGameRegistry_StartValidation(t *testing.T) {
	panel := newFakePanel()
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), panel, time.Hour)
	ctx := context.Background()

	_, err := r.Start(ctx, chatID, "catan", alice, []int64{alice})
	assert.ErrorIs(t, err, game.ErrNotEnoughPlayers)

	_, err = r.Start(ctx, chatID, "catan", alice, []int64{alice, alice})
	assert.ErrorIs(t, err, game.ErrDuplicatePlayer)

	_, err = r.Start(ctx, chatID, "   ", alice, []int64{alice, bob})
	assert.ErrorIs(t, err, game.ErrEmptyGameName)

	assert.Equal(t, 0, panel.publishCount())
	assert.Empty(t, r.List(chatID))
}

func TestGameRegistry_StartReplacesExistingGame(t *testing.T) {
	panel := newFakePanel()
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), panel, time.Hour)
	key := startGame(t, r, alice, bob)
	first := panel.last().messageID

	_, err := r.Done(context.Background(), key, alice)
	require.NoError(t, err)
	second := panel.last().messageID

	snap, err := r.Start(context.Background(), chatID, "CATAN", carol, []int64{carol, dave})
	require.NoError(t, err)
	assert.Equal(t, carol, snap.CurrentActor)
	assert.Equal(t, []int{first, second}, panel.deletedIDs())
}

func TestGameRegistry_Scenario(t *testing.T) {
	panel := newFakePanel()
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), panel, time.Hour)
	ctx := context.Background()
	key := startGame(t, r, alice, bob, carol)

	snap, err := r.Done(ctx, key, alice)
	require.NoError(t, err)
	assert.Equal(t, bob, snap.CurrentActor)

	candidates, err := r.RequestReaction(key, bob)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice, carol}, candidates)

	snap, err = r.React(ctx, key, bob, carol)
	require.NoError(t, err)
	assert.Equal(t, carol, snap.CurrentActor)
	assert.Equal(t, []int64{carol}, snap.Reactions)
	assert.Equal(t, game.PhaseReacting, snap.Phase)
	target, _ := r.ReminderTarget(key)
	assert.Equal(t, carol, target)

	snap, err = r.Done(ctx, key, carol)
	require.NoError(t, err)
	assert.Empty(t, snap.Reactions)
	assert.Equal(t, bob, snap.CurrentActor)

	snap, err = r.Skip(ctx, key, dave)
	require.NoError(t, err)
	assert.Equal(t, carol, snap.CurrentActor)
	target, _ = r.ReminderTarget(key)
	assert.Equal(t, carol, target)
}

func TestGameRegistry_SkipWhileReactingPops(t *testing.T) {
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), newFakePanel(), time.Hour)
	ctx := context.Background()
	key := startGame(t, r, alice, bob, carol)

	_, err := r.React(ctx, key, alice, carol)
	require.NoError(t, err)

	snap, err := r.Skip(ctx, key, dave)
	require.NoError(t, err)
	assert.Equal(t, alice, snap.CurrentActor)
	assert.Equal(t, alice, snap.NormalPlayer)
	assert.Empty(t, snap.Reactions)
	assert.Equal(t, game.PhaseNormal, snap.Phase)

	target, ok := r.ReminderTarget(key)
	require.True(t, ok)
	assert.Equal(t, alice, target)

	// следующий обычный ход не сдвинут реакцией
	snap, err = r.Done(ctx, key, alice)
	require.NoError(t, err)
	assert.Equal(t, bob, snap.CurrentActor)
}

func TestGameRegistry_DoneRequiresCurrentActor(t *testing.T) {
	panel := newFakePanel()
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), panel, time.Hour)
	key := startGame(t, r, alice, bob)
	before := panel.publishCount()

	_, err := r.Done(context.Background(), key, bob)
	assert.ErrorIs(t, err, ErrNotYourTurn)

	snap, err := r.Status(key)
	require.NoError(t, err)
	assert.Equal(t, alice, snap.CurrentActor)
	assert.Equal(t, before, panel.publishCount())
}

func TestGameRegistry_ReactRules(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		invoker  int64
		selected int64
		prepare  func(t *testing.T, r *GameRegistry, key game.GameKey)
		wantErr  error
	}{
		{name: "not the normal player", invoker: bob, selected: carol, wantErr: ErrNotNormalPlayer},
		{name: "react to self", invoker: alice, selected: alice, wantErr: ErrSelfReaction},
		{
			name: "reaction in progress", invoker: alice, selected: bob,
			prepare: func(t *testing.T, r *GameRegistry, key game.GameKey) {
				_, err := r.React(ctx, key, alice, carol)
				require.NoError(t, err)
			},
			wantErr: ErrReactionInProgress,
		},
		{name: "outside player allowed", invoker: alice, selected: dave},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(t, repository.NewMemoryStateRepository(), newFakePanel(), time.Hour)
			key := startGame(t, r, alice, bob, carol)
			if tc.prepare != nil {
				tc.prepare(t, r, key)
			}
			_, err := r.React(ctx, key, tc.invoker, tc.selected)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			snap, _ := r.Status(key)
			assert.Equal(t, tc.selected, snap.CurrentActor)
			assert.Equal(t, alice, snap.NormalPlayer)
		})
	}
}

func TestGameRegistry_RequestReactionRejects(t *testing.T) {
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), newFakePanel(), time.Hour)
	key := startGame(t, r, alice, bob)

	_, err := r.RequestReaction(key, bob)
	assert.ErrorIs(t, err, ErrNotNormalPlayer)

	_, err = r.RequestReaction(game.NewGameKey(chatID, "unknown"), alice)
	assert.ErrorIs(t, err, ErrNoActiveGame)
}

func TestGameRegistry_EndIsIdempotent(t *testing.T) {
	store := repository.NewMemoryStateRepository()
	panel := newFakePanel()
	r := newTestRegistry(t, store, panel, time.Hour)
	ctx := context.Background()
	key := startGame(t, r, alice, bob)
	panelID := panel.last().messageID

	snap, err := r.End(ctx, key, carol)
	require.NoError(t, err)
	assert.False(t, snap.Active)
	assert.Nil(t, snap.MessageID)

	saves := store.Saves()
	snap, err = r.End(ctx, key, carol)
	require.NoError(t, err)
	assert.False(t, snap.Active)
	assert.Equal(t, saves, store.Saves())

	assert.Equal(t, []int{panelID}, panel.deletedIDs())
	_, ok := r.ReminderTarget(key)
	assert.False(t, ok)

	// запись остается в хранилище как надгробие
	states, err := store.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, states, key)
	assert.False(t, states[key].Active)
	assert.Equal(t, []int64{alice, bob}, states[key].Players)

	_, err = r.Done(ctx, key, alice)
	assert.ErrorIs(t, err, ErrNoActiveGame)

	_, err = r.End(ctx, game.NewGameKey(chatID, "never started"), carol)
	assert.ErrorIs(t, err, ErrNoActiveGame)
}

func TestGameRegistry_ReplacesPanelAndSwallowsDeleteFailure(t *testing.T) {
	panel := newFakePanel()
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), panel, time.Hour)
	key := startGame(t, r, alice, bob)
	first := panel.last().messageID

	panel.setDeleteErr(errors.New("message can't be deleted"))
	snap, err := r.Done(context.Background(), key, alice)
	require.NoError(t, err)

	require.NotNil(t, snap.MessageID)
	assert.NotEqual(t, first, *snap.MessageID)
	assert.Equal(t, []int{first}, panel.deletedIDs())
}

func TestGameRegistry_PublishFailureKeepsState(t *testing.T) {
	store := repository.NewMemoryStateRepository()
	panel := newFakePanel()
	r := newTestRegistry(t, store, panel, time.Hour)
	ctx := context.Background()
	key := startGame(t, r, alice, bob)
	first := panel.last().messageID

	panel.setPublishErr(errors.New("network down"))
	snap, err := r.Done(ctx, key, alice)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.Equal(t, bob, snap.CurrentActor)
	assert.Empty(t, panel.deletedIDs())

	states, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, bob, states[key].CurrentActor())

	// ручное восстановление через panel
	panel.setPublishErr(nil)
	snap, err = r.Panel(ctx, key, bob)
	require.NoError(t, err)
	assert.Equal(t, bob, snap.CurrentActor)
	assert.Equal(t, []int{first}, panel.deletedIDs())
}

func TestGameRegistry_RestartPublishFailureKeepsOldPanel(t *testing.T) {
	store := repository.NewMemoryStateRepository()
	panel := newFakePanel()
	r := newTestRegistry(t, store, panel, time.Hour)
	ctx := context.Background()
	key := startGame(t, r, alice, bob)
	first := panel.last().messageID

	panel.setPublishErr(errors.New("network down"))
	snap, err := r.Start(ctx, chatID, "catan", carol, []int64{carol, dave})
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.Equal(t, carol, snap.CurrentActor)
	require.NotNil(t, snap.MessageID)
	assert.Equal(t, first, *snap.MessageID)
	assert.Empty(t, panel.deletedIDs())

	states, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, states[key].MessageID)
	assert.Equal(t, first, *states[key].MessageID)

	panel.setPublishErr(nil)
	snap, err = r.Panel(ctx, key, carol)
	require.NoError(t, err)
	assert.NotEqual(t, first, *snap.MessageID)
	assert.Equal(t, []int{first}, panel.deletedIDs())
}

func TestGameRegistry_SaveFailureRollsBack(t *testing.T) {
	store := repository.NewMemoryStateRepository()
	panel := newFakePanel()
	r := newTestRegistry(t, store, panel, time.Hour)
	key := startGame(t, r, alice, bob)
	before := panel.publishCount()

	store.FailSaves(errors.New("disk full"))
	_, err := r.Done(context.Background(), key, alice)
	assert.ErrorIs(t, err, ErrSaveFailed)

	snap, err := r.Status(key)
	require.NoError(t, err)
	assert.Equal(t, alice, snap.CurrentActor)
	assert.Equal(t, before, panel.publishCount())
	target, _ := r.ReminderTarget(key)
	assert.Equal(t, alice, target)
}

func TestGameRegistry_StaleReminderIsNoop(t *testing.T) {
	store := repository.NewMemoryStateRepository()
	panel := newFakePanel()
	r := newTestRegistry(t, store, panel, time.Hour)
	key := startGame(t, r, alice, bob)

	_, err := r.Done(context.Background(), key, alice)
	require.NoError(t, err)
	publishes, saves := panel.publishCount(), store.Saves()

	r.remind(key, alice)
	r.remind(game.NewGameKey(chatID, "unknown"), alice)

	assert.Equal(t, publishes, panel.publishCount())
	assert.Equal(t, saves, store.Saves())
}

func TestGameRegistry_ReminderRepublishesWithNotice(t *testing.T) {
	panel := newFakePanel()
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), panel, 20*time.Millisecond)
	key := startGame(t, r, alice, bob)
	<-panel.onPublish
	first := panel.last().messageID

	select {
	case pub := <-panel.onPublish:
		assert.True(t, strings.HasSuffix(pub.content, "\n\n"+ReminderNotice))
	case <-time.After(time.Second):
		t.Fatalf("reminder was not published")
	}

	require.Eventually(t, func() bool {
		snap, err := r.Status(key)
		return err == nil && snap.MessageID != nil && *snap.MessageID != first
	}, time.Second, 5*time.Millisecond)
	snap, _ := r.Status(key)
	assert.Equal(t, alice, snap.CurrentActor)

	// напоминание не перевзводит само себя
	_, ok := r.ReminderTarget(key)
	assert.False(t, ok)
}

func TestGameRegistry_ConcurrentDoneAppliesOnce(t *testing.T) {
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), newFakePanel(), time.Hour)
	key := startGame(t, r, alice, bob, carol)

	const presses = 8
	var wg sync.WaitGroup
	errs := make(chan error, presses)
	for i := 0; i < presses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Done(context.Background(), key, alice)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotYourTurn):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, presses-1, rejected)

	snap, _ := r.Status(key)
	assert.Equal(t, bob, snap.CurrentActor)
}

func TestGameRegistry_ReloadAndRecover(t *testing.T) {
	store := repository.NewMemoryStateRepository()
	r := newTestRegistry(t, store, newFakePanel(), time.Hour)
	key := startGame(t, r, alice, bob)
	_, err := r.Done(context.Background(), key, alice)
	require.NoError(t, err)
	_, err = r.Start(context.Background(), chatID, "other", alice, []int64{carol, dave})
	require.NoError(t, err)
	_, err = r.End(context.Background(), game.NewGameKey(chatID, "other"), alice)
	require.NoError(t, err)
	r.Close()

	restarted := newTestRegistry(t, store, newFakePanel(), time.Hour)
	snap, err := restarted.Status(key)
	require.NoError(t, err)
	assert.Equal(t, bob, snap.CurrentActor)

	_, ok := restarted.ReminderTarget(key)
	assert.False(t, ok)
	assert.Equal(t, 1, restarted.Recover())
	target, ok := restarted.ReminderTarget(key)
	require.True(t, ok)
	assert.Equal(t, bob, target)
}

func TestGameRegistry_ListAndSnapshots(t *testing.T) {
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), newFakePanel(), time.Hour)
	ctx := context.Background()
	for _, name := range []string{"Zombies", "azul", "Catan"} {
		_, err := r.Start(ctx, chatID, name, alice, []int64{alice, bob})
		require.NoError(t, err)
	}
	_, err := r.Start(ctx, 777, "elsewhere", alice, []int64{alice, bob})
	require.NoError(t, err)
	_, err = r.End(ctx, game.NewGameKey(chatID, "azul"), bob)
	require.NoError(t, err)

	assert.Equal(t, []string{"catan", "zombies"}, r.List(chatID))
	assert.Empty(t, r.List(12345))

	snaps := r.Snapshots(chatID)
	require.Len(t, snaps, 2)
	assert.Equal(t, "catan", snaps[0].Game)
}

func TestGameRegistry_EmitsEvents(t *testing.T) {
	panel := newFakePanel()
	r := newTestRegistry(t, repository.NewMemoryStateRepository(), panel, time.Hour)
	var mu sync.Mutex
	var got []GameEvent
	r.OnEvent(func(ev GameEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})

	key := startGame(t, r, alice, bob)
	_, _ = r.Done(context.Background(), key, bob) // отказ не порождает событие
	_, err := r.Skip(context.Background(), key, carol)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, ActionStart, got[0].Action)
	assert.Equal(t, ActionSkip, got[1].Action)
	assert.Equal(t, carol, got[1].Invoker)
	assert.Equal(t, bob, got[1].State.CurrentActor)
	assert.NotEmpty(t, got[1].ID)
	// op_id перехода доходит до панели через контекст
	assert.Equal(t, got[1].ID, panel.last().opID)
}
