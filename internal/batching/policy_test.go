package batching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zapdesk/zapdesk-platform/internal/events"
)

func textEvt(body string) events.InboundEvent {
	return events.InboundEvent{Kind: events.KindText, Text: body}
}

func mediaEvt(kind events.EventKind) events.InboundEvent {
	return events.InboundEvent{Kind: kind}
}

func TestIntervalPlainText(t *testing.T) {
	p := DefaultPolicy()
	got := p.Interval(nil, textEvt("bom dia"), false, 0)
	assert.Equal(t, p.TextWait, got)
}

func TestIntervalSingleMedia(t *testing.T) {
	p := DefaultPolicy()

	got := p.Interval(nil, mediaEvt(events.KindAudio), false, 0)
	assert.Equal(t, p.MediaWait, got)

	got = p.Interval([]events.InboundEvent{mediaEvt(events.KindImage)}, textEvt("legenda"), false, time.Second)
	assert.Equal(t, p.MediaWait, got, "media already queued keeps the media interval")
}

func TestIntervalMixedMedia(t *testing.T) {
	p := DefaultPolicy()
	pending := []events.InboundEvent{mediaEvt(events.KindAudio)}
	got := p.Interval(pending, mediaEvt(events.KindImage), false, time.Second)
	assert.Equal(t, p.MixedWait, got)
}

func TestIntervalFutureMediaReference(t *testing.T) {
	p := DefaultPolicy()
	got := p.Interval(nil, textEvt("vou te enviar uma imagem"), false, 0)
	assert.Equal(t, p.FutureRefWait, got)
}

func TestIntervalQuickSequenceExtension(t *testing.T) {
	p := DefaultPolicy()
	pending := []events.InboundEvent{textEvt("vou te enviar uma imagem")}

	// Image follows the announcement within the quick window.
	got := p.Interval(pending, mediaEvt(events.KindImage), true, 2*time.Second)
	assert.Equal(t, p.ExtendedWait, got)

	// Outside the window the base interval stands.
	got = p.Interval(pending, mediaEvt(events.KindImage), true, p.QuickWindow+time.Second)
	assert.Equal(t, p.MediaWait, got)

	// Without a prior reference no extension applies.
	got = p.Interval(nil, textEvt("ok"), false, time.Second)
	assert.Equal(t, p.TextWait, got)
}

func TestIntervalRelativeOrdering(t *testing.T) {
	p := DefaultPolicy()
	assert.Greater(t, p.MixedWait, p.MediaWait)
	assert.Greater(t, p.MediaWait, p.TextWait)
	assert.Greater(t, p.FutureRefWait, p.TextWait)
	assert.GreaterOrEqual(t, p.ExtendedWait, p.FutureRefWait)
}

func TestMatchesFutureMediaRef(t *testing.T) {
	p := DefaultPolicy()
	matches := []string{
		"vou te enviar uma imagem",
		"vou mandar a foto agora",
		"já te envio o comprovante",
		"te mando o áudio",
		"segue a foto",
		"I'll send you the picture",
		"sending you a photo now",
	}
	for _, text := range matches {
		assert.True(t, p.MatchesFutureMediaRef(text), "expected match: %q", text)
	}

	misses := []string{
		"bom dia",
		"qual o horário de amanhã?",
		"enviado ontem",
		"",
	}
	for _, text := range misses {
		assert.False(t, p.MatchesFutureMediaRef(text), "unexpected match: %q", text)
	}
}

func TestNormalizedFillsDefaults(t *testing.T) {
	p := Policy{TextWait: 50 * time.Millisecond}.normalized()
	def := DefaultPolicy()

	assert.Equal(t, 50*time.Millisecond, p.TextWait)
	assert.Equal(t, def.MediaWait, p.MediaWait)
	assert.Equal(t, def.MaxBatchSize, p.MaxBatchSize)
	assert.NotNil(t, p.futureRef)
}
