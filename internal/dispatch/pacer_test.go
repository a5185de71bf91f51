package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapdesk/zapdesk-platform/internal/events"
)

type scriptedSender struct {
	failAt int // 1-based chunk index that fails; 0 means never
	calls  []Request
}

func (s *scriptedSender) Send(_ context.Context, req Request) Result {
	s.calls = append(s.calls, req)
	if s.failAt > 0 && len(s.calls) == s.failAt {
		return Result{Reason: ReasonFallbackSendFailed, Detail: "scripted"}
	}
	return Result{Success: true, Transport: "fallback", MessageID: "id"}
}

type presenceLog struct {
	calls []string
}

func (p *presenceLog) SendPresence(_ context.Context, _ events.ConversationKey, presence string) error {
	p.calls = append(p.calls, presence)
	return nil
}

func newTestPacer(sender paceSender, presence presenceSender) (*Pacer, *[]time.Duration) {
	p := NewPacer(sender, presence, PacerConfig{
		MaxChunkLen:    40,
		TypingPerChar:  10 * time.Millisecond,
		MinTypingDelay: 20 * time.Millisecond,
		MaxTypingDelay: 200 * time.Millisecond,
		InterMessage:   50 * time.Millisecond,
	}, nil)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return p, &slept
}

func TestSendPacedSingleChunk(t *testing.T) {
	sender := &scriptedSender{}
	p, _ := newTestPacer(sender, nil)

	res := p.SendPaced(context.Background(), Request{
		Key:  events.NewConversationKey("i", "r"),
		Text: "oi, tudo bem?",
	})

	require.Len(t, res, 1)
	assert.True(t, res[0].Success)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, "oi, tudo bem?", sender.calls[0].Text)
	assert.True(t, sender.calls[0].Humanized)
	assert.Greater(t, sender.calls[0].DelayMs, 0)
}

func TestSendPacedPreservesOrderAndContent(t *testing.T) {
	sender := &scriptedSender{}
	p, _ := newTestPacer(sender, nil)

	text := "Primeira frase aqui. Segunda frase um pouco maior que a primeira. Terceira! E uma quarta para garantir."
	res := p.SendPaced(context.Background(), Request{
		Key:  events.NewConversationKey("i", "r"),
		Text: text,
	})

	require.Greater(t, len(res), 1)
	for _, r := range res {
		assert.True(t, r.Success)
	}
	var parts []string
	for _, c := range sender.calls {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 40)
		parts = append(parts, c.Text)
	}
	assert.Equal(t, text, strings.Join(parts, " "))
}

func TestSendPacedStopsOnHardFailure(t *testing.T) {
	sender := &scriptedSender{failAt: 2}
	p, _ := newTestPacer(sender, nil)

	text := strings.Repeat("palavra ", 30)
	res := p.SendPaced(context.Background(), Request{
		Key:  events.NewConversationKey("i", "r"),
		Text: text,
	})

	require.Len(t, sender.calls, 2, "no chunks after the first hard failure")
	require.Len(t, res, 2)
	assert.True(t, res[0].Success)
	assert.False(t, res[1].Success)
	assert.Equal(t, ReasonFallbackSendFailed, res[1].Reason)
}

func TestSendPacedEmitsComposingPresence(t *testing.T) {
	sender := &scriptedSender{}
	presence := &presenceLog{}
	p, _ := newTestPacer(sender, presence)

	p.SendPaced(context.Background(), Request{
		Key:  events.NewConversationKey("i", "r"),
		Text: "Uma frase curta aqui agora. Outra frase curta na sequencia tambem.",
	})

	require.Len(t, presence.calls, len(sender.calls))
	for _, c := range presence.calls {
		assert.Equal(t, "composing", c)
	}
}

func TestSendPacedSleepsBetweenChunks(t *testing.T) {
	sender := &scriptedSender{}
	p, slept := newTestPacer(sender, nil)

	p.SendPaced(context.Background(), Request{
		Key:  events.NewConversationKey("i", "r"),
		Text: "Uma frase curta aqui agora. Outra frase curta na sequencia tambem.",
	})

	require.Len(t, sender.calls, 2)
	// typing delay, inter-message gap, typing delay.
	require.Len(t, *slept, 3)
	assert.Equal(t, 50*time.Millisecond, (*slept)[1])
}

func TestSendPacedHonorsCancellation(t *testing.T) {
	sender := &scriptedSender{}
	p, _ := newTestPacer(sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.SendPaced(ctx, Request{
		Key:  events.NewConversationKey("i", "r"),
		Text: "qualquer texto",
	})

	assert.Empty(t, res)
	assert.Empty(t, sender.calls)
}

func TestTypingDelayBounds(t *testing.T) {
	p := NewPacer(&scriptedSender{}, nil, PacerConfig{
		MaxChunkLen:    160,
		TypingPerChar:  30 * time.Millisecond,
		MinTypingDelay: 600 * time.Millisecond,
		MaxTypingDelay: 4 * time.Second,
	}, nil)

	assert.Equal(t, 600*time.Millisecond, p.typingDelay("oi"))
	assert.Equal(t, 900*time.Millisecond, p.typingDelay(strings.Repeat("a", 30)))
	assert.Equal(t, 4*time.Second, p.typingDelay(strings.Repeat("a", 200)))
}

func TestSplitChunksShortTextUntouched(t *testing.T) {
	got := SplitChunks("tudo certo?", 160)
	assert.Equal(t, []string{"tudo certo?"}, got)
}

func TestSplitChunksSentenceBoundaries(t *testing.T) {
	got := SplitChunks("Um. Dois. Tres. Quatro.", 9)
	assert.Equal(t, []string{"Um. Dois.", "Tres.", "Quatro."}, got)
}

func TestSplitChunksWordFallback(t *testing.T) {
	got := SplitChunks("uma frase sem pontuacao que nao acaba nunca", 12)
	for _, c := range got {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 12)
	}
	assert.Equal(t, "uma frase sem pontuacao que nao acaba nunca", strings.Join(got, " "))
}

func TestSplitChunksHardCut(t *testing.T) {
	long := strings.Repeat("x", 25)
	got := SplitChunks(long, 10)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, got)
}

func TestSplitChunksEmpty(t *testing.T) {
	assert.Nil(t, SplitChunks("   ", 160))
}
