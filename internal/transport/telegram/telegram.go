package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "foremanbot/internal/runtime/supervisor"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

const (
	Name      = "telegram"
	textLimit = 4000
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter connects the bot to Telegram through long polling.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	out chan<- transport.Update
	sup *rtsup.Supervisor

	dropped    atomic.Uint64
	dropReport rate.Sometimes

	menuMu   sync.Mutex
	menuHash uint64
}

var (
	_ transport.Adapter            = (*Adapter)(nil)
	_ transport.CommandMenuUpdater = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) { log.Warn("telebot error", logx.Err(err)) },
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, dropReport: rate.Sometimes{Interval: 5 * time.Second}}
	b.Handle(tele.OnText, func(c tele.Context) error {
		self := ""
		if b.Me != nil {
			self = b.Me.Username
		}
		if up, ok := toUpdate(c.Message(), self); ok {
			a.forward(up)
		}
		return nil
	})
	return a, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Formatter() transport.Formatter { return htmlFormatter{} }

func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// toUpdate keeps private chats and groups. Channel posts and messages
// without a sender are ignored. self is the bot's username.
func toUpdate(m *tele.Message, self string) (transport.Update, bool) {
	if m == nil || m.Chat == nil || m.Sender == nil {
		return transport.Update{}, false
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := &transport.Message{
		ID:          strconv.Itoa(m.ID),
		SenderID:    strconv.FormatInt(m.Sender.ID, 10),
		SenderName:  m.Sender.Username,
		SenderIsBot: m.Sender.IsBot,
		Text:        stripMention(m.Text, self),
		Chat:        transport.ChatTarget{ChatID: chatID},
	}
	switch m.Chat.Type {
	case tele.ChatPrivate:
		msg.Context, msg.ContextID = transport.ContextDirect, msg.SenderID
	case tele.ChatGroup, tele.ChatSuperGroup:
		msg.Context, msg.ContextID = transport.ContextGroup, chatID
		msg.Chat.ThreadID = m.ThreadID
	default:
		return transport.Update{}, false
	}
	return transport.Update{Message: msg, ReceivedAt: time.Now()}, true
}

// stripMention turns "/status@this_bot args" into "/status args". A
// command addressed to another bot keeps its suffix and resolves to nothing.
func stripMention(text, self string) string {
	if self == "" {
		return text
	}
	end := strings.IndexAny(text, " \t\r\n")
	if end < 0 {
		end = len(text)
	}
	at := strings.LastIndexByte(text[:end], '@')
	if at <= 0 || !strings.EqualFold(text[at+1:end], self) {
		return text
	}
	return text[:at] + text[end:]
}

// forward hands an update to the listener without blocking telebot's
// poller. Updates that do not fit are counted and reported at most every
// few seconds.
func (a *Adapter) forward(up transport.Update) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
		a.dropReport.Do(func() {
			a.log.Warn("incoming updates dropped, listener busy", logx.Uint64("count", a.dropped.Swap(0)), logx.Int("chan_cap", cap(out)))
		})
	}
}

// Start begins long polling. telebot's Start blocks until Stop, so it
// runs under a supervisor that restarts it if it returns early.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out = out
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	a.sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// stopGrace bounds how long Stop waits for an in-flight getUpdates.
const stopGrace = 2 * time.Second

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && wctx.Err() != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
		return nil
	}
	if n := a.dropped.Load(); n > 0 {
		a.log.Info("stopped", logx.Uint64("dropped_updates", n))
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, to transport.ChatTarget, msg transport.OutboundMessage) error {
	id, err := strconv.ParseInt(to.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", to.ChatID, err)
	}
	chat := &tele.Chat{ID: id}
	for _, chunk := range transport.SplitText(severityPrefix(msg.Severity)+msg.Text, textLimit, true) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			ThreadID:              to.ThreadID,
			DisableWebPagePreview: true,
		})
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

// Authorize lets group creators and administrators issue commands.
func (a *Adapter) Authorize(ctx context.Context, m *transport.Message) (bool, error) {
	if m.Context == transport.ContextDirect {
		return true, nil
	}
	chatID, err := strconv.ParseInt(m.Chat.ChatID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("telegram: bad chat id %q: %w", m.Chat.ChatID, err)
	}
	userID, err := strconv.ParseInt(m.SenderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("telegram: bad sender id %q: %w", m.SenderID, err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	member, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
	if err != nil {
		return false, err
	}
	return member.Role == tele.Creator || member.Role == tele.Administrator, nil
}

// Resolve checks that the stored chat still exists for the bot.
func (a *Adapter) Resolve(ctx context.Context, kind transport.ContextKind, target string) (transport.ChatTarget, error) {
	to, err := transport.ParseChatTarget(target)
	if err != nil {
		return transport.ChatTarget{}, err
	}
	id, err := strconv.ParseInt(to.ChatID, 10, 64)
	if err != nil {
		return transport.ChatTarget{}, fmt.Errorf("telegram: bad %s target %q: %w", kind, target, err)
	}
	if err := ctx.Err(); err != nil {
		return transport.ChatTarget{}, err
	}
	if _, err := a.bot.ChatByID(id); err != nil {
		return transport.ChatTarget{}, mapError(err)
	}
	return to, nil
}

var goneErrors = []error{
	tele.ErrChatNotFound,
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrUserIsDeactivated,
}

// mapError turns permanent "this chat is gone" answers into ErrUnreachable.
func mapError(err error) error {
	for _, gone := range goneErrors {
		if errors.Is(err, gone) {
			return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
		}
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	return err
}
