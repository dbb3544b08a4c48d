// Package telegram is the Telegram Bot API sender used for reminders.
//
// It is send-only: the process never polls for updates.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "duebot/internal/transport"
	logx "duebot/pkg/logx"
)

type Config struct {
	Token  string
	APIURL string // empty means the public Bot API
	// SendTimeout bounds one HTTP round trip. It is the only bound on a
	// request in flight; SendText's ctx cannot interrupt one.
	SendTimeout time.Duration
	// Offline skips the getMe call at construction. Used by tests.
	Offline bool
}

type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

var _ kit.Sender = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{bot: b, log: log}
	if b.Me != nil && b.Me.Username != "" {
		log.Info("telegram bot authorized", logx.String("username", b.Me.Username))
	}
	return s, nil
}

const telegramTextLimit = 4000

// SendText sends text, split into chunks under Telegram's limit. The returned
// ref points at the first chunk.
//
// telebot's Send takes no context: ctx is checked before each chunk, but a
// request already on the wire is bounded only by Config.SendTimeout (the
// HTTP client timeout).
func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// classify maps Bot API errors onto the transport taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup):
		return kit.Unreachable(err)
	}

	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.RetryAfterError{After: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}

	// Any other 403 is a recipient-side refusal too.
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusForbidden {
		return kit.Unreachable(err)
	}
	return err
}

// splitTelegramText splits long messages into chunks Telegram accepts,
// preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
