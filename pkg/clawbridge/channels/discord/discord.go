// Package discord implements the Discord adapter for clawbridge using
// discordgo. Discord is a push transport: the gateway WebSocket delivers
// events, so there is no polling offset to commit. The adapter implements
// the callback and presence capabilities but not AckAdapter.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
)

// textLimit is Discord's message length cap.
const textLimit = 2000

// typingInterval refreshes the typing indicator; Discord expires it after ~10s.
const typingInterval = 8 * time.Second

// Config holds Discord adapter configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedChannels restricts which channel IDs the bridge responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// AllowedUsers restricts which user IDs may talk to the bridge.
	AllowedUsers []string `yaml:"allowed_users"`
}

// Discord implements channels.Adapter plus Presence and Callback.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	audit   channels.AuditSink
	session *discordgo.Session

	queue   chan *channels.InboundMessage
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	typingMu sync.Mutex
	typing   map[string]chan struct{}
}

// Register installs the discord factory into a registry.
func Register(r *channels.Registry) error {
	return r.Register(channels.ChannelDiscord, func(raw map[string]any, deps channels.Deps) (channels.Adapter, error) {
		var cfg Config
		data, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("discord: encode config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("discord: decode config: %w", err)
		}
		return New(cfg, deps), nil
	})
}

// New creates a Discord adapter.
func New(cfg Config, deps channels.Deps) *Discord {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
		audit:  deps.Audit,
		queue:  make(chan *channels.InboundMessage, 256),
		typing: make(map[string]chan struct{}),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return string(channels.ChannelDiscord) }

// ValidateConfig checks that a token is present.
func (d *Discord) ValidateConfig() error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	return nil
}

// Start opens the gateway connection. Idempotent.
func (d *Discord) Start(ctx context.Context) error {
	if d.running.Load() {
		return nil
	}
	if err := d.ValidateConfig(); err != nil {
		return err
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	d.running.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection and clears typing indicators. Idempotent.
func (d *Discord) Stop() error {
	if !d.running.Swap(false) {
		return nil
	}
	d.cancel()

	d.typingMu.Lock()
	for ch, stop := range d.typing {
		close(stop)
		delete(d.typing, ch)
	}
	d.typingMu.Unlock()

	if d.session != nil {
		d.session.Close()
	}
	d.logger.Info("disconnected")
	return nil
}

// Running reports whether the gateway is open.
func (d *Discord) Running() bool { return d.running.Load() }

// ConsumeOne blocks until an inbound message is available, returning
// (nil, nil) once the adapter has stopped.
func (d *Discord) ConsumeOne(ctx context.Context) (*channels.InboundMessage, error) {
	if !d.running.Load() {
		return nil, nil
	}
	select {
	case msg := <-d.queue:
		return msg, nil
	case <-d.ctx.Done():
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TextLimit returns Discord's message size cap.
func (d *Discord) TextLimit() int { return textLimit }

// Authorized applies the allow lists. Empty lists allow everyone.
func (d *Discord) Authorized(userID, chatID string) bool {
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, chatID) {
		return false
	}
	if len(d.cfg.AllowedUsers) > 0 && !contains(d.cfg.AllowedUsers, userID) {
		return false
	}
	return true
}

// Send delivers one message, rendering inline buttons as message components.
func (d *Discord) Send(ctx context.Context, msg *channels.OutboundMessage) channels.SendResult {
	if d.session == nil {
		return channels.SendResult{Err: channels.ErrAdapterStopped}
	}

	send := &discordgo.MessageSend{Content: msg.Text}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo}
	}
	if comps := buildComponents(msg.Buttons); len(comps) > 0 {
		send.Components = comps
	}

	sent, err := d.session.ChannelMessageSendComplex(msg.Address.ChatID, send, discordgo.WithContext(ctx))
	if err != nil {
		res := channels.SendResult{Err: err}
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			res.HTTPStatus = restErr.Response.StatusCode
		}
		var rateErr *discordgo.RateLimitError
		if errors.As(err, &rateErr) {
			res.HTTPStatus = 429
			res.RetryAfter = rateErr.RetryAfter
		}
		return res
	}
	return channels.SendResult{OK: true, MessageID: sent.ID, HTTPStatus: 200}
}

// AnswerCallback acknowledges a button interaction. The interaction token is
// carried as the callback id.
func (d *Discord) AnswerCallback(ctx context.Context, callbackID, text string) error {
	// Interactions are acknowledged inline in onInteractionCreate; nothing
	// further is required here.
	return nil
}

// MessageStart begins the typing indicator for a channel.
func (d *Discord) MessageStart(chatID string) {
	d.typingMu.Lock()
	if _, active := d.typing[chatID]; active {
		d.typingMu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.typing[chatID] = stop
	d.typingMu.Unlock()

	go func() {
		d.session.ChannelTyping(chatID)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.session.ChannelTyping(chatID)
			}
		}
	}()
}

// MessageEnd stops the typing indicator for a channel.
func (d *Discord) MessageEnd(chatID string) {
	d.typingMu.Lock()
	if stop, active := d.typing[chatID]; active {
		close(stop)
		delete(d.typing, chatID)
	}
	d.typingMu.Unlock()
}

// onMessageCreate enqueues guild/DM messages, dropping unauthorized senders
// with an audit entry.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if !d.Authorized(m.Author.ID, m.ChannelID) {
		d.logger.Warn("dropping unauthorized message", "channel", m.ChannelID, "user", m.Author.ID)
		if d.audit != nil {
			if err := d.audit.AppendAudit(d.Name(), m.ChannelID, "drop", m.ID, "unauthorized sender"); err != nil {
				d.logger.Warn("audit append failed", "error", err)
			}
		}
		return
	}

	ts := m.Timestamp
	d.enqueue(&channels.InboundMessage{
		ID: m.ID,
		Address: channels.Address{
			Channel:     channels.ChannelDiscord,
			ChatID:      m.ChannelID,
			UserID:      m.Author.ID,
			DisplayName: m.Author.Username,
		},
		Text:      m.Content,
		Timestamp: ts,
	})
}

// onInteractionCreate enqueues button presses as callback messages. The
// interaction is acknowledged immediately with a deferred update so Discord
// does not show "interaction failed" while the bridge processes it.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		d.logger.Warn("interaction ack failed", "error", err)
	}

	userID := ""
	name := ""
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
		name = i.Member.User.Username
	} else if i.User != nil {
		userID = i.User.ID
		name = i.User.Username
	}

	inbound := &channels.InboundMessage{
		ID: i.ID,
		Address: channels.Address{
			Channel:     channels.ChannelDiscord,
			ChatID:      i.ChannelID,
			UserID:      userID,
			DisplayName: name,
		},
		CallbackData: i.MessageComponentData().CustomID,
		CallbackID:   i.Token,
		Timestamp:    time.Now(),
	}
	if i.Message != nil {
		inbound.CallbackMessageID = i.Message.ID
	}
	d.enqueue(inbound)
}

// enqueue blocks when the buffer is full rather than dropping. discordgo runs
// each handler on its own goroutine, so the gateway keeps reading.
func (d *Discord) enqueue(msg *channels.InboundMessage) {
	select {
	case d.queue <- msg:
	case <-d.ctx.Done():
	}
}

func buildComponents(rows [][]channels.Button) []discordgo.MessageComponent {
	if len(rows) == 0 {
		return nil
	}
	out := make([]discordgo.MessageComponent, 0, len(rows))
	for _, row := range rows {
		buttons := make([]discordgo.MessageComponent, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, discordgo.Button{
					Label: b.Text,
					Style: discordgo.LinkButton,
					URL:   b.URL,
				})
				continue
			}
			buttons = append(buttons, discordgo.Button{
				Label:    b.Text,
				Style:    discordgo.PrimaryButton,
				CustomID: b.CallbackData,
			})
		}
		out = append(out, discordgo.ActionsRow{Components: buttons})
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Compile-time interface verification.
var (
	_ channels.Adapter         = (*Discord)(nil)
	_ channels.PresenceAdapter = (*Discord)(nil)
	_ channels.CallbackAdapter = (*Discord)(nil)
)
