package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "foremanbot/internal/runtime/supervisor"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

const (
	Name = "discord"
	// Embed descriptions are capped at 4096 characters.
	textLimit = 4000
)

type Config struct {
	Token string
	// Activity is shown as the bot's "Playing ..." status.
	Activity string
}

// Adapter connects the bot to the Discord gateway.
type Adapter struct {
	cfg Config
	log logx.Logger

	session *discordgo.Session
	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, session: s}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	s.AddHandler(a.onMessage)
	s.AddHandler(a.onReady)
	return a, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Formatter() transport.Formatter { return markdownFormatter{} }

func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) onReady(s *discordgo.Session, r *discordgo.Ready) {
	a.log.Info("gateway ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
	if a.cfg.Activity == "" {
		return
	}
	if err := s.UpdateGameStatus(0, a.cfg.Activity); err != nil {
		a.log.Warn("set activity failed", logx.Err(err))
	}
}

func (a *Adapter) onMessage(_ *discordgo.Session, mc *discordgo.MessageCreate) {
	if up, ok := toUpdate(mc.Message); ok {
		a.sendUpdate(up)
	}
}

func toUpdate(m *discordgo.Message) (transport.Update, bool) {
	if m == nil || m.Author == nil {
		return transport.Update{}, false
	}
	msg := &transport.Message{
		ID:          m.ID,
		Chat:        transport.ChatTarget{ChatID: m.ChannelID},
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		SenderIsBot: m.Author.Bot,
		Text:        m.Content,
	}
	if m.GuildID == "" {
		msg.Context = transport.ContextDirect
		msg.ContextID = m.Author.ID
	} else {
		msg.Context = transport.ContextGroup
		msg.ContextID = m.GuildID
	}
	return transport.Update{Message: msg, ReceivedAt: time.Now()}, true
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start opens the gateway. discordgo reconnects on its own; the supervisor
// only carries the drop reporter.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(out)
	if err := a.session.Open(); err != nil {
		var nilOut chan<- transport.Update
		a.out.Store(nilOut)
		return fmt.Errorf("open discord session: %w", err)
	}
	me, err := a.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		_ = a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})
	a.log.Info("discord bot connected", logx.String("username", me.Username), logx.String("id", me.ID))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	a.log.Info("stopping")
	return a.session.Close()
}

func (a *Adapter) Send(ctx context.Context, to transport.ChatTarget, msg transport.OutboundMessage) error {
	if to.ChatID == "" {
		return errors.New("discord: empty channel id")
	}
	color := severityColor(msg.Severity)
	for _, chunk := range transport.SplitText(msg.Text, textLimit, false) {
		embed := &discordgo.MessageEmbed{Description: chunk, Color: color}
		if _, err := a.session.ChannelMessageSendEmbed(to.ChatID, embed, discordgo.WithContext(ctx)); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// Authorize lets guild members with Manage Server issue commands.
func (a *Adapter) Authorize(ctx context.Context, m *transport.Message) (bool, error) {
	if m.Context == transport.ContextDirect {
		return true, nil
	}
	perms, err := a.session.UserChannelPermissions(m.SenderID, m.Chat.ChatID, discordgo.WithContext(ctx))
	if err != nil {
		return false, err
	}
	return hasManageServer(perms), nil
}

func hasManageServer(perms int64) bool {
	return perms&discordgo.PermissionAdministrator != 0 || perms&discordgo.PermissionManageServer != 0
}

// Resolve returns the stored channel for groups and opens (or reuses) the
// DM channel for users.
func (a *Adapter) Resolve(ctx context.Context, kind transport.ContextKind, target string) (transport.ChatTarget, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return transport.ChatTarget{}, errors.New("discord: empty target")
	}
	switch kind {
	case transport.ContextDirect:
		ch, err := a.session.UserChannelCreate(target, discordgo.WithContext(ctx))
		if err != nil {
			return transport.ChatTarget{}, mapError(err)
		}
		return transport.ChatTarget{ChatID: ch.ID}, nil
	default:
		ch, err := a.session.Channel(target, discordgo.WithContext(ctx))
		if err != nil {
			return transport.ChatTarget{}, mapError(err)
		}
		return transport.ChatTarget{ChatID: ch.ID}, nil
	}
}

var goneCodes = map[int]bool{
	discordgo.ErrCodeUnknownChannel:               true,
	discordgo.ErrCodeUnknownGuild:                 true,
	discordgo.ErrCodeUnknownUser:                  true,
	discordgo.ErrCodeCannotSendMessagesToThisUser: true,
}

func mapError(err error) error {
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Message != nil && goneCodes[re.Message.Code] {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	return err
}
