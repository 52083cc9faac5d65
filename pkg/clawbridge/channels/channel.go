// Package channels defines the adapter contract and shared message types for
// clawbridge communication channels. Each platform (Telegram, Discord)
// implements the Adapter interface to receive and send messages in a unified
// way; the bridge orchestrator only ever talks to the interface.
package channels

import (
	"context"
	"fmt"
	"time"
)

// ChannelType identifies a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
)

// Address identifies a sender (or a destination chat) within one platform.
type Address struct {
	// Channel is the platform identifier (e.g. "telegram").
	Channel ChannelType

	// ChatID is the platform chat/group/DM identifier.
	ChatID string

	// UserID is the platform sender identifier, if known.
	UserID string

	// DisplayName is the sender display name, if available.
	DisplayName string
}

// String returns "channel:chatID", the canonical key for per-chat state.
func (a Address) String() string {
	return string(a.Channel) + ":" + a.ChatID
}

// InboundMessage is a normalized message received from any adapter.
type InboundMessage struct {
	// ID is the platform message identifier.
	ID string

	// Address identifies the sender and the chat the message arrived in.
	Address Address

	// Text is the message text. Empty for pure button callbacks.
	Text string

	// Timestamp is when the platform recorded the message.
	Timestamp time.Time

	// CallbackData is set when the message is a button press rather than text.
	CallbackData string

	// CallbackID is the platform callback identifier to acknowledge, if any.
	CallbackID string

	// CallbackMessageID is the id of the message the pressed button belongs to.
	CallbackMessageID string

	// UpdateID is the platform update sequence number, for adapters that
	// support deferred offset commit. Zero when the transport has no offsets.
	UpdateID int64
}

// IsCallback reports whether the message is a button press.
func (m *InboundMessage) IsCallback() bool { return m.CallbackData != "" }

// ParseMode selects outbound text formatting.
type ParseMode string

const (
	ParseModeNone     ParseMode = ""
	ParseModeHTML     ParseMode = "HTML"
	ParseModeMarkdown ParseMode = "Markdown"
)

// Button is one inline keyboard button.
type Button struct {
	Text         string
	CallbackData string
	URL          string
}

// OutboundMessage is a message to be sent through an adapter.
type OutboundMessage struct {
	// Address identifies the destination chat.
	Address Address

	// Text is the message body. The delivery layer chunks it; adapters may
	// assume it already fits TextLimit.
	Text string

	// ParseMode selects rich formatting. Adapters fall back to plain text
	// when empty.
	ParseMode ParseMode

	// Buttons is an inline keyboard, one slice per row.
	Buttons [][]Button

	// ReplyTo is the platform message id to reply to, if any.
	ReplyTo string
}

// SendResult is the outcome of a single Send call.
type SendResult struct {
	OK bool

	// MessageID is the platform id of the sent message, when OK.
	MessageID string

	// Err holds the failure, when not OK.
	Err error

	// HTTPStatus is the platform HTTP status code, when the transport
	// surfaces one (0 otherwise).
	HTTPStatus int

	// RetryAfter is the platform-requested backoff on rate limiting,
	// zero when the platform did not provide one.
	RetryAfter time.Duration
}

// Adapter is the contract every platform implementation must satisfy.
type Adapter interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Start begins receiving messages. Idempotent.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and unblocks ConsumeOne. Idempotent.
	Stop() error

	// Running reports whether the adapter is started.
	Running() bool

	// ConsumeOne blocks until an inbound message is available. It returns
	// (nil, nil) once the adapter has stopped.
	ConsumeOne(ctx context.Context) (*InboundMessage, error)

	// Send delivers one outbound message.
	Send(ctx context.Context, msg *OutboundMessage) SendResult

	// ValidateConfig checks the adapter configuration before Start.
	ValidateConfig() error

	// Authorized reports whether the sender may talk to the bridge.
	Authorized(userID, chatID string) bool

	// TextLimit returns the platform maximum message length in characters.
	TextLimit() int
}

// PresenceAdapter is implemented by adapters that can show a typing or
// presence indicator while a turn is being processed.
type PresenceAdapter interface {
	Adapter

	// MessageStart signals that processing began for the given chat.
	MessageStart(chatID string)

	// MessageEnd signals that processing finished for the given chat.
	MessageEnd(chatID string)
}

// CallbackAdapter is implemented by adapters whose platform requires button
// callbacks to be acknowledged.
type CallbackAdapter interface {
	Adapter

	// AnswerCallback acknowledges a button press, optionally with a toast text.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// AckAdapter is implemented by adapters with a durable inbound offset.
// The orchestrator calls AcknowledgeUpdate only after the corresponding
// message has been fully processed.
type AckAdapter interface {
	Adapter

	AcknowledgeUpdate(updateID int64)
}

// Errors.
var (
	ErrAdapterStopped = fmt.Errorf("adapter is not running")
	ErrNotAuthorized  = fmt.Errorf("sender is not authorized")
)
