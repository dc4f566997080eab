package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"turnbot/internal/game"
	"turnbot/internal/logger"
	"turnbot/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const handlerTimeout = 30 * time.Second

// TurnBot принимает команды и нажатия кнопок и передает их в реестр игр
type TurnBot struct {
	bot      *tgbotapi.BotAPI
	api      Sender
	registry *service.GameRegistry
	panel    *TelegramPanel
	names    *NameCache
	stopCh   chan struct{}
	wg       sync.WaitGroup
	log      *slog.Logger
}

// NewBotAPI авторизует бота по токену
func NewBotAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	logger.Info("turn bot authorized", "username", api.Self.UserName)
	return api, nil
}

// NewTurnBot создает бота поверх уже авторизованного BotAPI
func NewTurnBot(api *tgbotapi.BotAPI, registry *service.GameRegistry, panel *TelegramPanel) *TurnBot {
	b := newTurnBot(api, registry, panel)
	b.bot = api
	return b
}

func newTurnBot(api Sender, registry *service.GameRegistry, panel *TelegramPanel) *TurnBot {
	return &TurnBot{
		api:      api,
		registry: registry,
		panel:    panel,
		names:    panel.names,
		stopCh:   make(chan struct{}),
		log:      logger.With("component", "turn_bot"),
	}
}

var botCommands = []tgbotapi.BotCommand{
	{Command: "turn_start", Description: "Start a game: <game> | <players in turn order>"},
	{Command: "turn_panel", Description: "Repost the current controls for a game"},
	{Command: "turn_status", Description: "Show the turn order and current player"},
	{Command: "turn_list", Description: "List active games in this chat"},
	{Command: "turn_end", Description: "End a game"},
	{Command: "help", Description: "Show help"},
}

// Start регистрирует команды и запускает цикл обновлений; блокирует до Stop
func (b *TurnBot) Start() {
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(botCommands...)); err != nil {
		b.log.Warn("failed to register bot commands", "error", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query"}

	updates := b.bot.GetUpdatesChan(u)
	b.log.Info("starting bot update loop")

	for {
		select {
		case <-b.stopCh:
			b.log.Info("stopping bot update loop")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.wg.Add(1)
			go func(update tgbotapi.Update) {
				defer b.wg.Done()
				b.handleUpdate(update)
			}(update)
		}
	}
}

// Stop плавно останавливает бота
func (b *TurnBot) Stop() {
	b.log.Info("stopping turn bot...")
	close(b.stopCh)
	if b.bot != nil {
		b.bot.StopReceivingUpdates()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.log.Info("turn bot stopped gracefully")
	case <-time.After(10 * time.Second):
		b.log.Warn("turn bot shutdown timeout, some handlers may not have completed")
	}
}

func (b *TurnBot) handleUpdate(update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in update handler", "panic", r, "update_id", update.UpdateID)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.names.Remember(update.CallbackQuery.From)
		b.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		msg := update.Message
		b.names.Remember(msg.From)
		for i := range msg.NewChatMembers {
			b.names.Remember(&msg.NewChatMembers[i])
		}
		if msg.IsCommand() && msg.From != nil {
			b.handleCommand(msg)
		}
	}
}

func (b *TurnBot) handleCommand(msg *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	chatID := msg.Chat.ID
	args := commandArgs(rewriteMentions(msg.Text, msg.Entities, b.names))

	var response string
	switch msg.Command() {
	case "start", "help":
		response = helpMessage()
	case "turn_start":
		response = b.handleStart(ctx, chatID, msg.From.ID, args)
	case "turn_panel":
		response = b.handlePanel(ctx, chatID, msg.From.ID, args)
	case "turn_status":
		response = b.handleStatus(chatID, args)
	case "turn_list":
		response = b.handleList(chatID)
	case "turn_end":
		response = b.handleEnd(ctx, chatID, msg.From.ID, args)
	default:
		return
	}
	if response == "" {
		return
	}

	reply := tgbotapi.NewMessage(chatID, response)
	reply.ParseMode = tgbotapi.ModeHTML
	reply.ReplyToMessageID = msg.MessageID
	if _, err := b.api.Send(reply); err != nil {
		b.log.Error("error sending message", "error", err)
	}
}

func helpMessage() string {
	return `<b>Turn tracker</b>

/turn_start &lt;game&gt; | &lt;players&gt; - start a game, players in turn order (mentions or ids)
/turn_panel &lt;game&gt; - repost the controls
/turn_status &lt;game&gt; - show the order and who is up
/turn_list - active games in this chat
/turn_end &lt;game&gt; - end a game

Buttons: Done ends your turn, React hands a one-off turn to another player, Skip passes the current turn, End Game stops tracking.`
}

// commandArgs отрезает саму команду (вместе с @botname)
func commandArgs(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexFunc(text, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }); i >= 0 {
		return strings.TrimSpace(text[i:])
	}
	return ""
}

// parseStartArgs разбирает "<game> | <players>"; без "|" первое слово - имя игры
func parseStartArgs(args string) (string, []int64) {
	name, players, ok := strings.Cut(args, "|")
	if !ok {
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return "", nil
		}
		name, players = fields[0], strings.Join(fields[1:], " ")
	}
	return game.NormalizeGameName(name), ParseMentions(players)
}

func checkGameName(name string) string {
	if name == "" {
		return "Give a game name."
	}
	if len(name) > MaxGameNameBytes {
		return fmt.Sprintf("Game name is too long (max %d bytes).", MaxGameNameBytes)
	}
	return ""
}

func (b *TurnBot) handleStart(ctx context.Context, chatID, invoker int64, args string) string {
	name, players := parseStartArgs(args)
	if name == "" {
		return "Usage: /turn_start &lt;game&gt; | &lt;players&gt;"
	}
	if text := checkGameName(name); text != "" {
		return text
	}
	if len(players) < 2 {
		return "Mention at least two players."
	}

	_, err := b.registry.Start(ctx, chatID, name, invoker, players)
	return replyFor(err, "")
}

func (b *TurnBot) handlePanel(ctx context.Context, chatID, invoker int64, args string) string {
	name := game.NormalizeGameName(args)
	if text := checkGameName(name); text != "" {
		return text
	}
	_, err := b.registry.Panel(ctx, game.NewGameKey(chatID, name), invoker)
	if errors.Is(err, service.ErrNoActiveGame) {
		return "No active game with that name."
	}
	return replyFor(err, "")
}

func (b *TurnBot) handleStatus(chatID int64, args string) string {
	name := game.NormalizeGameName(args)
	st, err := b.registry.State(game.NewGameKey(chatID, name))
	if err != nil {
		return rejectionText(err)
	}
	return b.panel.Status(name, st)
}

func (b *TurnBot) handleList(chatID int64) string {
	names := b.registry.List(chatID)
	if len(names) == 0 {
		return "No active games."
	}
	return "Active games: " + escapeJoin(names)
}

func (b *TurnBot) handleEnd(ctx context.Context, chatID, invoker int64, args string) string {
	name := game.NormalizeGameName(args)
	_, err := b.registry.End(ctx, game.NewGameKey(chatID, name), invoker)
	return replyFor(err, "Game ended: "+html.EscapeString(name))
}

// replyFor переводит результат перехода в ответ пользователю
func replyFor(err error, okText string) string {
	if err == nil {
		return okText
	}
	return rejectionText(err)
}

func (b *TurnBot) handleCallback(cq *tgbotapi.CallbackQuery) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	cb, err := parseCallback(cq.Data)
	if err != nil || cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		b.answer(cq.ID, "This button is no longer valid.", true)
		return
	}
	chatID := cq.Message.Chat.ID
	key := game.NewGameKey(chatID, cb.game)
	invoker := cq.From.ID

	switch cb.action {
	case cbDone:
		_, err = b.registry.Done(ctx, key, invoker)
		b.answerResult(cq.ID, err, "")
	case cbSkip:
		_, err = b.registry.Skip(ctx, key, invoker)
		b.answerResult(cq.ID, err, "Turn skipped.")
	case cbEnd:
		_, err = b.registry.End(ctx, key, invoker)
		b.answerResult(cq.ID, err, "Game ended: "+key.Game)
	case cbReact:
		b.sendPicker(cq, key)
	case cbPick:
		_, err = b.registry.React(ctx, key, invoker, cb.target)
		b.answerResult(cq.ID, err, "Reaction started.")
		if err == nil || errors.Is(err, service.ErrPublishFailed) {
			b.deleteQuietly(chatID, cq.Message.MessageID)
		}
	}
}

// sendPicker отправляет выбор реагирующего игрока; кандидаты - игроки кроме текущего
func (b *TurnBot) sendPicker(cq *tgbotapi.CallbackQuery, key game.GameKey) {
	candidates, err := b.registry.RequestReaction(key, cq.From.ID)
	if err != nil {
		b.answerResult(cq.ID, err, "")
		return
	}

	msg := tgbotapi.NewMessage(key.ChatID, "Pick the reacting player.")
	msg.ReplyToMessageID = cq.Message.MessageID
	msg.ReplyMarkup = pickerKeyboard(key.Game, candidates, b.names)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("failed to send reaction picker", "key", key.String(), "error", err)
		b.answer(cq.ID, "Could not open the player picker. Try again.", true)
		return
	}
	b.answer(cq.ID, "", false)
}

func (b *TurnBot) answerResult(callbackID string, err error, okText string) {
	if err == nil {
		b.answer(callbackID, okText, false)
		return
	}
	b.answer(callbackID, rejectionText(err), true)
}

func (b *TurnBot) answer(callbackID, text string, alert bool) {
	cfg := tgbotapi.NewCallback(callbackID, text)
	cfg.ShowAlert = alert
	if _, err := b.api.Request(cfg); err != nil {
		b.log.Debug("failed to answer callback", "error", err)
	}
}

func (b *TurnBot) deleteQuietly(chatID int64, messageID int) {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.log.Debug("failed to delete message", "message_id", messageID, "error", err)
	}
}

// rejectionText - пользовательский текст для ошибки перехода
func rejectionText(err error) string {
	switch {
	case errors.Is(err, service.ErrNoActiveGame):
		return "No active game."
	case errors.Is(err, service.ErrNotYourTurn):
		return "It is not your turn."
	case errors.Is(err, service.ErrNotNormalPlayer):
		return "Only the current normal turn player can start a reaction."
	case errors.Is(err, service.ErrReactionInProgress):
		return "A reaction is already in progress."
	case errors.Is(err, service.ErrSelfReaction):
		return "You cannot react to your own turn."
	case errors.Is(err, service.ErrAlreadyReacting):
		return "That player is already reacting."
	case errors.Is(err, game.ErrNotEnoughPlayers):
		return "Mention at least two players."
	case errors.Is(err, game.ErrDuplicatePlayer):
		return "Each player can appear only once."
	case errors.Is(err, game.ErrEmptyGameName):
		return "Give a game name."
	case errors.Is(err, service.ErrSaveFailed):
		return "Could not save the game state. Nothing changed, try again."
	case errors.Is(err, service.ErrPublishFailed):
		return "Saved, but the panel could not be posted. Use /turn_panel to repost it."
	default:
		return "Something went wrong. Try again."
	}
}

func escapeJoin(names []string) string {
	escaped := make([]string, len(names))
	for i, n := range names {
		escaped[i] = html.EscapeString(n)
	}
	return strings.Join(escaped, ", ")
}
