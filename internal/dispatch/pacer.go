package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/observability/metrics"
	"github.com/zapdesk/zapdesk-platform/internal/transport"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

// PacerConfig tunes how long outbound text is held to read as human typing.
type PacerConfig struct {
	MaxChunkLen    int
	TypingPerChar  time.Duration
	MinTypingDelay time.Duration
	MaxTypingDelay time.Duration
	InterMessage   time.Duration
}

func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		MaxChunkLen:    160,
		TypingPerChar:  30 * time.Millisecond,
		MinTypingDelay: 600 * time.Millisecond,
		MaxTypingDelay: 4 * time.Second,
		InterMessage:   2 * time.Second,
	}
}

func (c PacerConfig) normalized() PacerConfig {
	d := DefaultPacerConfig()
	if c.MaxChunkLen <= 0 {
		c.MaxChunkLen = d.MaxChunkLen
	}
	if c.TypingPerChar <= 0 {
		c.TypingPerChar = d.TypingPerChar
	}
	if c.MinTypingDelay <= 0 {
		c.MinTypingDelay = d.MinTypingDelay
	}
	if c.MaxTypingDelay < c.MinTypingDelay {
		c.MaxTypingDelay = d.MaxTypingDelay
	}
	if c.InterMessage < 0 {
		c.InterMessage = d.InterMessage
	}
	return c
}

type paceSender interface {
	Send(ctx context.Context, req Request) Result
}

type presenceSender interface {
	SendPresence(ctx context.Context, key events.ConversationKey, presence string) error
}

// Pacer splits long replies into conversational chunks and dispatches them
// strictly in order, with a typing indicator and a delay proportional to
// each chunk's length.
type Pacer struct {
	sender   paceSender
	presence presenceSender
	cfg      PacerConfig
	logger   *logging.Logger
	metrics  *metrics.PipelineMetrics

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPacer(sender paceSender, presence presenceSender, cfg PacerConfig, logger *logging.Logger) *Pacer {
	if sender == nil {
		panic("dispatch: pace sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Pacer{
		sender:   sender,
		presence: presence,
		cfg:      cfg.normalized(),
		logger:   logger.Component("pacer"),
		sleep:    sleepCtx,
	}
}

// WithMetrics attaches pipeline counters. Returns the pacer for chaining.
func (p *Pacer) WithMetrics(m *metrics.PipelineMetrics) *Pacer {
	p.metrics = m
	return p
}

// SendPaced chunks req.Text and sends each piece sequentially. It stops at
// the first hard failure or context cancellation; the returned slice holds
// one Result per attempted chunk, in send order.
func (p *Pacer) SendPaced(ctx context.Context, req Request) []Result {
	chunks := SplitChunks(req.Text, p.cfg.MaxChunkLen)
	if len(chunks) == 0 {
		return nil
	}

	results := make([]Result, 0, len(chunks))
	for i, chunk := range chunks {
		if p.presence != nil {
			if err := p.presence.SendPresence(ctx, req.Key, "composing"); err != nil && !isNotConnected(err) {
				p.logger.Debug("presence send failed", "conversation", req.Key, "error", err)
			}
		}

		delay := p.typingDelay(chunk)
		if err := p.sleep(ctx, delay); err != nil {
			return results
		}

		part := req
		part.Text = chunk
		part.DelayMs = int(delay / time.Millisecond)
		part.Presence = "composing"
		part.Humanized = true

		res := p.sender.Send(ctx, part)
		results = append(results, res)
		p.metrics.ObservePacedChunk()
		if !res.Success {
			p.logger.Warn("paced send aborted",
				"conversation", req.Key,
				"chunk", i+1,
				"of", len(chunks),
				"reason", res.Reason,
			)
			return results
		}

		if i < len(chunks)-1 {
			if err := p.sleep(ctx, p.cfg.InterMessage); err != nil {
				return results
			}
		}
	}
	return results
}

func (p *Pacer) typingDelay(chunk string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(chunk)) * p.cfg.TypingPerChar
	if d < p.cfg.MinTypingDelay {
		d = p.cfg.MinTypingDelay
	}
	if d > p.cfg.MaxTypingDelay {
		d = p.cfg.MaxTypingDelay
	}
	return d
}

func isNotConnected(err error) bool {
	return errors.Is(err, transport.ErrNotConnected)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SplitChunks breaks text into pieces no longer than max runes, preferring
// sentence boundaries, then word boundaries, then a hard cut. Concatenating
// the pieces with single spaces reconstructs the normalized input.
func SplitChunks(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 0 {
		max = DefaultPacerConfig().MaxChunkLen
	}
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	appendPiece := func(piece string) {
		n := utf8.RuneCountInString(piece)
		// +1 for the joining space when the chunk is non-empty.
		if curLen > 0 && curLen+1+n > max {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(piece)
		curLen += n
	}

	for _, sentence := range splitSentences(text) {
		if utf8.RuneCountInString(sentence) <= max {
			appendPiece(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			if utf8.RuneCountInString(word) <= max {
				appendPiece(word)
				continue
			}
			// A single token longer than max gets hard cut.
			runes := []rune(word)
			for len(runes) > 0 {
				n := max
				if n > len(runes) {
					n = len(runes)
				}
				appendPiece(string(runes[:n]))
				runes = runes[n:]
			}
		}
	}
	flush()
	return chunks
}

// splitSentences cuts on terminal punctuation followed by whitespace,
// keeping the punctuation with the sentence.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur.WriteRune(r)
		if isSentenceEnd(r) && (i+1 == len(runes) || isSpace(runes[i+1])) {
			s := strings.TrimSpace(cur.String())
			if s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
