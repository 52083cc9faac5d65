// Package telegram implements the Telegram adapter for clawbridge using the
// Bot API directly over HTTP, without a wrapper library: the bridge needs raw
// access
// to update offsets, HTTP status codes, and retry_after hints that wrappers
// hide.
//
// Features:
//   - Long polling for updates (getUpdates) with a split fetch/committed offset
//   - Committed offset persisted per bot identity, advanced only after the
//     orchestrator finished processing (ack-after-process)
//   - Bounded dedup window over recently processed update ids
//   - Inline keyboards and callback queries for interactive approvals
//   - Typing indicators repeated while a turn is being processed
package telegram

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
)

// textLimit is the Bot API maximum message length.
const textLimit = 4096

// typingInterval is how often the typing indicator is refreshed while a
// turn is running; Telegram expires the indicator after ~6s.
const typingInterval = 5 * time.Second

// Config holds Telegram adapter configuration.
type Config struct {
	// Token is the Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts which chat IDs the bridge responds to.
	// Empty means respond to all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// AllowedUsers restricts which user IDs may talk to the bridge.
	// Empty means any user in an allowed chat.
	AllowedUsers []int64 `yaml:"allowed_users"`

	// PollTimeout is the getUpdates long-poll wait in seconds.
	PollTimeout int `yaml:"poll_timeout"`

	// ParseMode is the default outbound formatting ("HTML" or "Markdown").
	ParseMode string `yaml:"parse_mode"`

	// BaseURL overrides the Bot API endpoint (tests).
	BaseURL string `yaml:"-"`
}

// dedupWindow bounds the FIFO set of recently processed update ids. It guards
// against duplicate enqueue in the crash/restart window before the committed
// offset catches up with the fetch offset.
const dedupWindow = 1000

// Telegram implements channels.Adapter plus the Presence, Callback, and Ack
// capabilities.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	offsets channels.OffsetStore
	audit   channels.AuditSink

	baseURL string

	// botID is the stable platform identity resolved from getMe; it keys the
	// persisted offset so token rotation never replays history.
	botID int64

	queue   chan *channels.InboundMessage
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// fetchOffset is the next update id to request. Only the poll loop
	// touches it.
	fetchOffset int64

	// seen is the bounded FIFO dedup window of processed update ids.
	seen      map[int64]struct{}
	seenOrder []int64

	// typing tracks the per-chat indicator goroutines.
	typingMu sync.Mutex
	typing   map[string]chan struct{}
}

// Register installs the telegram factory into a registry.
func Register(r *channels.Registry) error {
	return r.Register(channels.ChannelTelegram, func(raw map[string]any, deps channels.Deps) (channels.Adapter, error) {
		var cfg Config
		data, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("telegram: encode config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("telegram: decode config: %w", err)
		}
		return New(cfg, deps), nil
	})
}

// New creates a Telegram adapter.
func New(cfg Config, deps channels.Deps) *Telegram {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "HTML"
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &Telegram{
		cfg:     cfg,
		logger:  logger.With("component", "telegram"),
		client:  &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
		offsets: deps.Offsets,
		audit:   deps.Audit,
		baseURL: base + "/bot" + cfg.Token,
		queue:   make(chan *channels.InboundMessage, 256),
		seen:    make(map[int64]struct{}, dedupWindow),
		typing:  make(map[string]chan struct{}),
	}
}

// ---------- Adapter interface ----------

// Name returns "telegram".
func (t *Telegram) Name() string { return string(channels.ChannelTelegram) }

// ValidateConfig checks that a token is present.
func (t *Telegram) ValidateConfig() error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	return nil
}

// Start verifies the token, loads the committed offset, and launches the
// long-poll loop. Idempotent.
func (t *Telegram) Start(ctx context.Context) error {
	if t.running.Load() {
		return nil
	}
	if err := t.ValidateConfig(); err != nil {
		return err
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	me, err := t.getMe()
	if err != nil {
		return fmt.Errorf("telegram: verify token: %w", err)
	}
	t.botID = me.ID
	t.logger.Info("connected", "bot", me.Username, "id", me.ID)

	if err := t.loadOffset(); err != nil {
		return err
	}

	t.running.Store(true)
	go t.pollLoop()
	return nil
}

// Stop aborts the poll loop and clears all typing indicators. Idempotent.
func (t *Telegram) Stop() error {
	if !t.running.Swap(false) {
		return nil
	}
	t.cancel()
	<-t.done

	t.typingMu.Lock()
	for chat, stop := range t.typing {
		close(stop)
		delete(t.typing, chat)
	}
	t.typingMu.Unlock()

	t.logger.Info("disconnected")
	return nil
}

// Running reports whether the poll loop is active.
func (t *Telegram) Running() bool { return t.running.Load() }

// ConsumeOne blocks until an inbound message is available, returning
// (nil, nil) once the adapter has stopped.
func (t *Telegram) ConsumeOne(ctx context.Context) (*channels.InboundMessage, error) {
	if !t.running.Load() {
		return nil, nil
	}
	select {
	case msg := <-t.queue:
		return msg, nil
	case <-t.ctx.Done():
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TextLimit returns the Bot API message size limit.
func (t *Telegram) TextLimit() int { return textLimit }

// Authorized applies the allow lists. Empty lists allow everyone.
func (t *Telegram) Authorized(userID, chatID string) bool {
	if len(t.cfg.AllowedChats) > 0 {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil || !containsID(t.cfg.AllowedChats, id) {
			return false
		}
	}
	if len(t.cfg.AllowedUsers) > 0 {
		id, err := strconv.ParseInt(userID, 10, 64)
		if err != nil || !containsID(t.cfg.AllowedUsers, id) {
			return false
		}
	}
	return true
}

// Send delivers one message, translating the Bot API response into a
// SendResult with HTTP status and any retry_after hint.
func (t *Telegram) Send(ctx context.Context, msg *channels.OutboundMessage) channels.SendResult {
	chatID, err := strconv.ParseInt(msg.Address.ChatID, 10, 64)
	if err != nil {
		return channels.SendResult{Err: fmt.Errorf("telegram: invalid chat id %q: %w", msg.Address.ChatID, err)}
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    msg.Text,
	}
	if msg.ParseMode != channels.ParseModeNone {
		payload["parse_mode"] = string(msg.ParseMode)
	}
	if msg.ReplyTo != "" {
		if mid, e := strconv.ParseInt(msg.ReplyTo, 10, 64); e == nil {
			payload["reply_parameters"] = map[string]any{"message_id": mid}
		}
	}
	if markup := buildReplyMarkup(msg.Buttons); markup != nil {
		payload["reply_markup"] = markup
	}

	raw, status, retryAfter, err := t.apiCall(ctx, "sendMessage", payload)
	if err != nil {
		return channels.SendResult{Err: err, HTTPStatus: status, RetryAfter: retryAfter}
	}

	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &sent); err != nil {
		return channels.SendResult{Err: fmt.Errorf("telegram: parse sendMessage result: %w", err), HTTPStatus: status}
	}
	return channels.SendResult{OK: true, MessageID: strconv.FormatInt(sent.MessageID, 10), HTTPStatus: status}
}

// ---------- Capability interfaces ----------

// AnswerCallback acknowledges a button press.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	_, _, _, err := t.apiCall(ctx, "answerCallbackQuery", payload)
	return err
}

// MessageStart begins the typing indicator for a chat: one immediate signal,
// repeated every typingInterval until MessageEnd.
func (t *Telegram) MessageStart(chatID string) {
	t.typingMu.Lock()
	if _, active := t.typing[chatID]; active {
		t.typingMu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.typing[chatID] = stop
	t.typingMu.Unlock()

	go func() {
		t.sendTyping(chatID)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.sendTyping(chatID)
			}
		}
	}()
}

// MessageEnd stops the typing indicator for a chat.
func (t *Telegram) MessageEnd(chatID string) {
	t.typingMu.Lock()
	if stop, active := t.typing[chatID]; active {
		close(stop)
		delete(t.typing, chatID)
	}
	t.typingMu.Unlock()
}

// AcknowledgeUpdate persists the committed offset for a fully processed
// update. The store keeps the maximum, so late acks never move it backwards.
func (t *Telegram) AcknowledgeUpdate(updateID int64) {
	if t.offsets == nil {
		return
	}
	if err := t.offsets.SetOffset(t.offsetKey(), updateID+1); err != nil {
		t.logger.Warn("commit offset failed", "update", updateID, "error", err)
	}
}

// ---------- Offsets ----------

// offsetKey keys the committed offset by bot identity, not by token.
func (t *Telegram) offsetKey() string {
	return fmt.Sprintf("telegram:%d", t.botID)
}

// legacyOffsetKey is the old token-derived key, kept only for migration.
func legacyOffsetKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "telegram:token:" + hex.EncodeToString(sum[:6])
}

// loadOffset restores the committed offset into the fetch offset, migrating
// a legacy token-derived key so credential rotation never replays history.
func (t *Telegram) loadOffset() error {
	if t.offsets == nil {
		return nil
	}
	key := t.offsetKey()
	v, found, err := t.offsets.GetOffset(key)
	if err != nil {
		return fmt.Errorf("telegram: load offset: %w", err)
	}
	if !found {
		legacy := legacyOffsetKey(t.cfg.Token)
		lv, lfound, lerr := t.offsets.GetOffset(legacy)
		if lerr != nil {
			return fmt.Errorf("telegram: load legacy offset: %w", lerr)
		}
		if lfound {
			t.logger.Info("migrating offset key", "from", legacy, "to", key, "value", lv)
			if err := t.offsets.SetOffset(key, lv); err != nil {
				return err
			}
			if err := t.offsets.DeleteOffset(legacy); err != nil {
				t.logger.Warn("delete legacy offset failed", "key", legacy, "error", err)
			}
			v = lv
		}
	}
	t.fetchOffset = v
	return nil
}

// ---------- Polling ----------

func (t *Telegram) pollLoop() {
	defer close(t.done)
	t.logger.Info("polling started", "offset", t.fetchOffset)
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.fetchOffset, 100, t.cfg.PollTimeout)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			// Fetch offset advances immediately so the next poll does not
			// re-fetch; the committed offset waits for AcknowledgeUpdate.
			if u.UpdateID >= t.fetchOffset {
				t.fetchOffset = u.UpdateID + 1
			}
			if t.alreadySeen(u.UpdateID) {
				continue
			}
			t.processUpdate(u)
		}
	}
}

// alreadySeen records id in the bounded FIFO window, reporting whether it was
// processed before.
func (t *Telegram) alreadySeen(id int64) bool {
	if _, dup := t.seen[id]; dup {
		return true
	}
	t.seen[id] = struct{}{}
	t.seenOrder = append(t.seenOrder, id)
	if len(t.seenOrder) > dedupWindow {
		evict := t.seenOrder[0]
		t.seenOrder = t.seenOrder[1:]
		delete(t.seen, evict)
	}
	return false
}

// processUpdate classifies one update and enqueues the inbound message.
func (t *Telegram) processUpdate(u tgUpdate) {
	if u.CallbackQuery != nil {
		t.enqueue(callbackToInbound(u))
		return
	}

	msg := u.Message
	if msg == nil || (msg.Text == "" && msg.Caption == "") {
		return
	}

	from := ""
	name := ""
	if msg.From != nil {
		from = strconv.FormatInt(msg.From.ID, 10)
		name = displayName(msg.From)
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if !t.Authorized(from, chatID) {
		t.logger.Warn("dropping unauthorized message", "chat", chatID, "user", from)
		if t.audit != nil {
			if err := t.audit.AppendAudit(t.Name(), chatID, "drop",
				strconv.FormatInt(msg.MessageID, 10), "unauthorized sender"); err != nil {
				t.logger.Warn("audit append failed", "error", err)
			}
		}
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	t.enqueue(&channels.InboundMessage{
		ID: strconv.FormatInt(msg.MessageID, 10),
		Address: channels.Address{
			Channel:     channels.ChannelTelegram,
			ChatID:      chatID,
			UserID:      from,
			DisplayName: name,
		},
		Text:      text,
		Timestamp: time.Unix(msg.Date, 0),
		UpdateID:  u.UpdateID,
	})
}

func callbackToInbound(u tgUpdate) *channels.InboundMessage {
	cq := u.CallbackQuery
	inbound := &channels.InboundMessage{
		ID: cq.ID,
		Address: channels.Address{
			Channel:     channels.ChannelTelegram,
			UserID:      strconv.FormatInt(cq.From.ID, 10),
			DisplayName: displayName(&cq.From),
		},
		CallbackData: cq.Data,
		CallbackID:   cq.ID,
		Timestamp:    time.Now(),
		UpdateID:     u.UpdateID,
	}
	if cq.Message != nil {
		inbound.Address.ChatID = strconv.FormatInt(cq.Message.Chat.ID, 10)
		inbound.CallbackMessageID = strconv.FormatInt(cq.Message.MessageID, 10)
	}
	return inbound
}

// enqueue blocks when the buffer is full: the poll loop stalling is the
// backpressure. Dropping here would lose the update for good, since its id is
// already in the dedup window and the fetch offset has moved past it.
func (t *Telegram) enqueue(msg *channels.InboundMessage) {
	select {
	case t.queue <- msg:
	case <-t.ctx.Done():
	}
}

func (t *Telegram) sendTyping(chatID string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	if _, _, _, err := t.apiCall(t.ctx, "sendChatAction", map[string]any{
		"chat_id": id,
		"action":  "typing",
	}); err != nil {
		t.logger.Debug("sendChatAction failed", "chat", chatID, "error", err)
	}
}

// ---------- Bot API types ----------

type tgUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *tgMessage       `json:"message"`
	CallbackQuery *tgCallbackQuery `json:"callback_query"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int64   `json:"date"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`
}

type tgCallbackQuery struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgBotUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func displayName(u *tgUser) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}

// ---------- API helpers ----------

// apiCall posts one Bot API method. It returns the result payload, the HTTP
// status, and any retry_after hint from a 429 response.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, int, time.Duration, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("telegram: request %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
		Parameters  *struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !result.OK {
		var retryAfter time.Duration
		if result.Parameters != nil && result.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(result.Parameters.RetryAfter) * time.Second
		}
		return nil, resp.StatusCode, retryAfter, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, resp.StatusCode, 0, nil
}

func (t *Telegram) getMe() (*tgBotUser, error) {
	data, _, _, err := t.apiCall(t.ctx, "getMe", map[string]any{})
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parse getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, _, _, err := t.apiCall(t.ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parse updates: %w", err)
	}
	return updates, nil
}

func buildReplyMarkup(rows [][]channels.Button) map[string]any {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]map[string]any, 0, len(rows))
	for _, row := range rows {
		out := make([]map[string]any, 0, len(row))
		for _, b := range row {
			btn := map[string]any{"text": b.Text}
			switch {
			case b.URL != "":
				btn["url"] = b.URL
			default:
				data := b.CallbackData
				if data == "" {
					data = "1" // callback_data or url is mandatory
				}
				if len(data) > 64 {
					data = data[:64]
				}
				btn["callback_data"] = data
			}
			out = append(out, btn)
		}
		keyboard = append(keyboard, out)
	}
	return map[string]any{"inline_keyboard": keyboard}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Compile-time interface verification.
var (
	_ channels.Adapter         = (*Telegram)(nil)
	_ channels.PresenceAdapter = (*Telegram)(nil)
	_ channels.CallbackAdapter = (*Telegram)(nil)
	_ channels.AckAdapter      = (*Telegram)(nil)
)
