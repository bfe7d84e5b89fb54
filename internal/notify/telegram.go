// Package notify sends operator notices about contacts: activation changes
// and replies the CRM refused.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/tagflow/internal/config"
)

const telegramMaxMessageLen = 4096

type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Nop discards every notice.
type Nop struct{}

func (Nop) Notify(context.Context, string) {}

// TelegramBot is the subset of tgbotapi.BotAPI the notifier uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Telegram posts notices to one chat. The bot is created lazily on first use
// so a bad token never blocks startup.
type Telegram struct {
	token   string
	chatID  int64
	proxy   string
	factory BotFactory

	mu  sync.Mutex
	bot TelegramBot
}

// New returns a Telegram notifier when enabled and Nop otherwise.
func New(cfg config.TelegramConfig) (Notifier, error) {
	return NewWithFactory(cfg, defaultBotFactory)
}

func NewWithFactory(cfg config.TelegramConfig, factory BotFactory) (Notifier, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	return &Telegram{token: cfg.Token, chatID: cfg.ChatID, proxy: cfg.Proxy, factory: factory}, nil
}

func (t *Telegram) ensureBot() (TelegramBot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}

	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}

	bot, err := t.factory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Printf("[notify] telegram authorized as @%s", bot.GetSelf().UserName)
	t.bot = bot
	return bot, nil
}

// Notify is best effort: failures are logged, never returned.
func (t *Telegram) Notify(ctx context.Context, text string) {
	if ctx.Err() != nil || strings.TrimSpace(text) == "" {
		return
	}
	bot, err := t.ensureBot()
	if err != nil {
		log.Printf("[notify] telegram unavailable: %v", err)
		return
	}
	runes := []rune(text)
	if len(runes) > telegramMaxMessageLen {
		text = string(runes[:telegramMaxMessageLen-3]) + "..."
	}
	if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		log.Printf("[notify] telegram send error: %v", err)
	}
}
