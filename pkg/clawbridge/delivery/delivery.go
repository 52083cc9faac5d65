package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
)

// DedupStore is the subset of the persistence layer delivery needs for
// outbound idempotency.
type DedupStore interface {
	DedupClaim(key string, ttl time.Duration) (bool, error)
	DedupMark(key string, ttl time.Duration) error
	DedupRelease(key string) error
}

// Options tunes the delivery layer.
type Options struct {
	// MaxAttempts bounds retries per chunk (first try included).
	MaxAttempts int `yaml:"max_attempts"`

	// BaseBackoff is the initial retry delay; each retry doubles it.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps the computed delay (a platform retry-after may
	// still exceed it).
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// InterChunkDelay is the fixed pause between chunks of one message.
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay"`

	// DedupTTL is how long a completed dedup key stays live.
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// DefaultOptions returns the delivery defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     4,
		BaseBackoff:     500 * time.Millisecond,
		MaxBackoff:      15 * time.Second,
		InterChunkDelay: 300 * time.Millisecond,
		DedupTTL:        10 * time.Minute,
	}
}

// claimTTL guards an in-progress delivery; short so a crashed process does
// not suppress redelivery for long.
const claimTTL = 2 * time.Minute

// Result describes a completed delivery.
type Result struct {
	// MessageIDs holds the platform id of every sent chunk, in order.
	MessageIDs []string

	// Deduped is true when the message was skipped as already delivered.
	Deduped bool
}

// LastMessageID returns the id of the final chunk, or "" when nothing was sent.
func (r *Result) LastMessageID() string {
	if len(r.MessageIDs) == 0 {
		return ""
	}
	return r.MessageIDs[len(r.MessageIDs)-1]
}

// Deliverer is the reliable outbound sender.
type Deliverer struct {
	opts    Options
	limiter *RateLimiter
	dedup   DedupStore
	audit   channels.AuditSink
	logger  *slog.Logger

	// sleep and jitter are swappable in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// New creates a Deliverer. dedup and audit may be nil (dedup short-circuit
// and audit rows are then skipped).
func New(opts Options, limiter *RateLimiter, dedup DedupStore, audit channels.AuditSink, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.InterChunkDelay < 0 {
		opts.InterChunkDelay = def.InterChunkDelay
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = def.DedupTTL
	}
	return &Deliverer{
		opts:    opts,
		limiter: limiter,
		dedup:   dedup,
		audit:   audit,
		logger:  logger.With("component", "delivery"),
		sleep:   sleepCtx,
		jitter:  addJitter,
	}
}

// Deliver sends msg through adapter: dedup short-circuit, chunking, per-chunk
// rate limiting and retry, inline buttons on the final chunk only, and audit
// rows for every sent chunk. The dedup key is marked complete only after all
// chunks succeed.
func (d *Deliverer) Deliver(ctx context.Context, adapter channels.Adapter, msg *channels.OutboundMessage, dedupKey string) (*Result, error) {
	if dedupKey != "" && d.dedup != nil {
		owned, err := d.dedup.DedupClaim(dedupKey, claimTTL)
		if err != nil {
			return nil, fmt.Errorf("delivery: dedup claim: %w", err)
		}
		if !owned {
			d.logger.Debug("delivery suppressed by dedup", "key", dedupKey)
			return &Result{Deduped: true}, nil
		}
	}

	res, err := d.deliverChunks(ctx, adapter, msg)
	if dedupKey != "" && d.dedup != nil {
		if err != nil {
			// Free the key so a later retry of the whole message can go out.
			if relErr := d.dedup.DedupRelease(dedupKey); relErr != nil {
				d.logger.Warn("dedup release failed", "key", dedupKey, "error", relErr)
			}
		} else if markErr := d.dedup.DedupMark(dedupKey, d.opts.DedupTTL); markErr != nil {
			d.logger.Warn("dedup mark failed", "key", dedupKey, "error", markErr)
		}
	}
	return res, err
}

func (d *Deliverer) deliverChunks(ctx context.Context, adapter channels.Adapter, msg *channels.OutboundMessage) (*Result, error) {
	chunks := SplitMessage(msg.Text, adapter.TextLimit())
	result := &Result{}

	for i, chunk := range chunks {
		if i > 0 && d.opts.InterChunkDelay > 0 {
			if err := d.sleep(ctx, d.opts.InterChunkDelay); err != nil {
				return result, err
			}
		}
		if d.limiter != nil {
			if err := d.limiter.Acquire(ctx, msg.Address.String()); err != nil {
				return result, err
			}
		}

		out := &channels.OutboundMessage{
			Address:   msg.Address,
			Text:      chunk,
			ParseMode: msg.ParseMode,
		}
		if i == 0 {
			out.ReplyTo = msg.ReplyTo
		}
		if i == len(chunks)-1 {
			out.Buttons = msg.Buttons
		}

		id, err := d.sendWithRetry(ctx, adapter, out)
		if err != nil {
			return result, fmt.Errorf("delivery: chunk %d/%d: %w", i+1, len(chunks), err)
		}
		result.MessageIDs = append(result.MessageIDs, id)

		if d.audit != nil {
			if aErr := d.audit.AppendAudit(string(msg.Address.Channel), msg.Address.ChatID,
				"out", id, summarize(chunk)); aErr != nil {
				d.logger.Warn("audit append failed", "error", aErr)
			}
		}
	}
	return result, nil
}

// sendWithRetry sends one chunk with bounded exponential backoff and jitter.
// Rate-limit responses honor the platform retry-after. A parse error while
// using rich formatting triggers exactly one plain-text fallback attempt.
func (d *Deliverer) sendWithRetry(ctx context.Context, adapter channels.Adapter, msg *channels.OutboundMessage) (string, error) {
	backoff := d.opts.BaseBackoff
	fellBack := false

	for attempt := 1; ; attempt++ {
		res := adapter.Send(ctx, msg)
		if res.OK {
			return res.MessageID, nil
		}

		class := Classify(res)
		d.logger.Warn("send failed",
			"chat", msg.Address.String(),
			"attempt", attempt,
			"class", string(class),
			"status", res.HTTPStatus,
			"error", res.Err,
		)

		if class == ClassParseError && msg.ParseMode != channels.ParseModeNone && !fellBack {
			// One shot at plain text; does not consume a retry attempt.
			msg = &channels.OutboundMessage{
				Address: msg.Address,
				Text:    msg.Text,
				Buttons: msg.Buttons,
				ReplyTo: msg.ReplyTo,
			}
			fellBack = true
			continue
		}
		if !class.Retryable() || attempt >= d.opts.MaxAttempts {
			if res.Err != nil {
				return "", fmt.Errorf("%s: %w", class, res.Err)
			}
			return "", fmt.Errorf("%s: send failed (status %d)", class, res.HTTPStatus)
		}

		delay := d.jitter(backoff)
		if delay > d.opts.MaxBackoff {
			delay = d.opts.MaxBackoff
		}
		// A platform retry-after beyond the cap still wins: waiting less
		// than the platform asked just burns an attempt.
		if res.RetryAfter > delay {
			delay = res.RetryAfter
		}
		if err := d.sleep(ctx, delay); err != nil {
			return "", err
		}
		backoff *= 2
	}
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// addJitter spreads retries by up to 25% of the base delay.
func addJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func summarize(text string) string {
	const maxSummary = 120
	if len(text) > maxSummary {
		return text[:maxSummary] + "…"
	}
	return text
}
