package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"turnbot/internal/game"
	"turnbot/internal/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MaxGameNameBytes ограничивает имя игры, чтобы callback data влезала в 64 байта Telegram
const MaxGameNameBytes = 32

// действия кнопок панели
const (
	cbDone  = "done"
	cbReact = "react"
	cbSkip  = "skip"
	cbEnd   = "end"
	cbPick  = "pick"
)

var errBadCallback = errors.New("malformed callback data")

// Sender - часть BotAPI, которой пользуются панель и обработчики
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type callbackData struct {
	action string
	target int64 // только для pick
	game   string
}

func encodeCallback(action, gameName string) string {
	return action + "|" + gameName
}

func encodePick(target int64, gameName string) string {
	return cbPick + "|" + strconv.FormatInt(target, 10) + "|" + gameName
}

func parseCallback(data string) (callbackData, error) {
	action, rest, ok := strings.Cut(data, "|")
	if !ok {
		return callbackData{}, errBadCallback
	}
	cb := callbackData{action: action}
	switch action {
	case cbDone, cbReact, cbSkip, cbEnd:
		cb.game = rest
	case cbPick:
		uid, name, ok := strings.Cut(rest, "|")
		if !ok {
			return callbackData{}, errBadCallback
		}
		id, err := strconv.ParseInt(uid, 10, 64)
		if err != nil || id <= 0 {
			return callbackData{}, errBadCallback
		}
		cb.target, cb.game = id, name
	default:
		return callbackData{}, errBadCallback
	}
	if cb.game == "" {
		return callbackData{}, errBadCallback
	}
	return cb, nil
}

func panelKeyboard(gameName string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Done", encodeCallback(cbDone, gameName)),
			tgbotapi.NewInlineKeyboardButtonData("React", encodeCallback(cbReact, gameName)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Skip", encodeCallback(cbSkip, gameName)),
			tgbotapi.NewInlineKeyboardButtonData("End Game", encodeCallback(cbEnd, gameName)),
		),
	)
}

func pickerKeyboard(gameName string, candidates []int64, names *NameCache) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(candidates))
	for _, id := range candidates {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(names.Name(id), encodePick(id, gameName)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// TelegramPanel публикует панель управления игрой сообщением с inline-клавиатурой
type TelegramPanel struct {
	api   Sender
	names *NameCache
}

func NewTelegramPanel(api Sender, names *NameCache) *TelegramPanel {
	return &TelegramPanel{api: api, names: names}
}

func (p *TelegramPanel) mention(id int64) string {
	return fmt.Sprintf(`<a href="%s%d">%s</a>`, tgUserPrefix, id, html.EscapeString(p.names.Name(id)))
}

func (p *TelegramPanel) order(st *game.TurnState) string {
	parts := make([]string, len(st.Players))
	for i, id := range st.Players {
		parts[i] = p.mention(id)
	}
	return strings.Join(parts, ", ")
}

// Render собирает текст панели в HTML
func (p *TelegramPanel) Render(gameName string, st *game.TurnState, includeOrder bool) string {
	actor := p.mention(st.CurrentActor())
	lines := []string{"Game: " + html.EscapeString(game.NormalizeGameName(gameName))}
	if includeOrder {
		lines = append(lines, "Order: "+p.order(st))
	}
	if st.IsReacting() {
		lines = append(lines,
			"Paused normal turn: "+p.mention(st.CurrentNormalPlayer()),
			"Reacting now: "+actor,
			actor+" it is your reaction turn. Click Done when finished.",
		)
	} else {
		lines = append(lines,
			"Current: "+actor,
			actor+" it is your turn.",
		)
	}
	return strings.Join(lines, "\n")
}

// Status - текст для /turn_status: всегда с порядком, без строки-обращения
func (p *TelegramPanel) Status(gameName string, st *game.TurnState) string {
	lines := []string{
		"Game: " + html.EscapeString(gameName),
		"Order: " + p.order(st),
	}
	if st.IsReacting() {
		lines = append(lines,
			"Paused normal turn: "+p.mention(st.CurrentNormalPlayer()),
			"Reacting now: "+p.mention(st.CurrentActor()),
		)
	} else {
		lines = append(lines, "Current: "+p.mention(st.CurrentActor()))
	}
	return strings.Join(lines, "\n")
}

func (p *TelegramPanel) Publish(ctx context.Context, chatID int64, gameName, content string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, content)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = panelKeyboard(gameName)

	sent, err := p.api.Send(msg)
	if err != nil {
		logger.WithContext(ctx).Debug("sendMessage failed", "chat_id", chatID, "error", err)
		return 0, err
	}
	return sent.MessageID, nil
}

func (p *TelegramPanel) Delete(ctx context.Context, chatID int64, messageID int) error {
	if _, err := p.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		logger.WithContext(ctx).Debug("deleteMessage failed", "chat_id", chatID, "message_id", messageID, "error", err)
		return err
	}
	return nil
}
