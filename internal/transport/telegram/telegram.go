// Package telegram delivers pushes through a Telegram bot. The recipient
// token is the chat id as a decimal string.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"petminder/internal/transport"
	"petminder/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Pusher struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Pusher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Pusher{bot: b, log: log}, nil
}

func (p *Pusher) Send(ctx context.Context, token string, push transport.Push) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad recipient token %q: %w", token, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := formatPush(push)
	_, err = p.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		p.log.Debug("telegram send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return err
}

func formatPush(push transport.Push) string {
	var b strings.Builder
	b.WriteString("🔔 <b>")
	b.WriteString(escape(push.Title))
	b.WriteString("</b>")
	if push.Body != "" {
		b.WriteString("\n")
		b.WriteString(escape(push.Body))
	}
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
