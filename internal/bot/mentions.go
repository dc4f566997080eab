package bot

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const tgUserPrefix = "tg://user?id="

// ParseMentions извлекает id игроков из текста в порядке первого появления, без повторов.
// Понимает <@123>, <@!123>, tg://user?id=123 и голые числовые id.
func ParseMentions(text string) []int64 {
	var ids []int64
	seen := make(map[int64]bool)
	for _, token := range strings.Fields(strings.ReplaceAll(text, ",", " ")) {
		id, ok := parseMentionToken(token)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func parseMentionToken(token string) (int64, bool) {
	switch {
	case strings.HasPrefix(token, "<@") && strings.HasSuffix(token, ">"):
		token = strings.TrimPrefix(strings.TrimSuffix(token, ">"), "<@")
		token = strings.TrimPrefix(token, "!")
	case strings.HasPrefix(token, tgUserPrefix):
		token = strings.TrimPrefix(token, tgUserPrefix)
	}
	if token == "" || strings.ContainsFunc(token, func(r rune) bool { return r < '0' || r > '9' }) {
		return 0, false
	}
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// rewriteMentions заменяет text_mention и известные @username на токены tg://user?id=N.
// Смещения сущностей Telegram считаются в UTF-16.
func rewriteMentions(text string, entities []tgbotapi.MessageEntity, names *NameCache) string {
	type span struct {
		offset, length int
		id             int64
	}

	units := utf16.Encode([]rune(text))
	var spans []span
	for _, e := range entities {
		if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > len(units) {
			continue
		}
		switch e.Type {
		case "text_mention":
			if e.User != nil {
				names.Remember(e.User)
				spans = append(spans, span{e.Offset, e.Length, e.User.ID})
			}
		case "mention":
			username := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
			if id, ok := names.Lookup(username); ok {
				spans = append(spans, span{e.Offset, e.Length, id})
			}
		}
	}
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].offset < spans[j].offset })

	var b strings.Builder
	pos := 0
	for _, s := range spans {
		if s.offset < pos {
			continue
		}
		b.WriteString(string(utf16.Decode(units[pos:s.offset])))
		fmt.Fprintf(&b, " %s%d ", tgUserPrefix, s.id)
		pos = s.offset + s.length
	}
	b.WriteString(string(utf16.Decode(units[pos:])))
	return b.String()
}

// NameCache запоминает имена и username пользователей, которых бот видел в апдейтах
type NameCache struct {
	mu        sync.RWMutex
	names     map[int64]string
	usernames map[string]int64
}

func NewNameCache() *NameCache {
	return &NameCache{
		names:     make(map[int64]string),
		usernames: make(map[string]int64),
	}
}

// Remember обновляет кэш по пользователю из апдейта
func (c *NameCache) Remember(u *tgbotapi.User) {
	if u == nil || u.ID == 0 {
		return
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.UserName != "" {
		name = "@" + u.UserName
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		c.names[u.ID] = name
	}
	if u.UserName != "" {
		c.usernames[strings.ToLower(u.UserName)] = u.ID
	}
}

// Lookup ищет id по username (с @ или без)
func (c *NameCache) Lookup(username string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.usernames[strings.ToLower(strings.TrimPrefix(username, "@"))]
	return id, ok
}

// Name возвращает отображаемое имя или id, если пользователь еще не встречался
func (c *NameCache) Name(id int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.names[id]; ok {
		return name
	}
	return strconv.FormatInt(id, 10)
}
