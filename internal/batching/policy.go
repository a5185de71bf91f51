package batching

import (
	"regexp"
	"time"

	"github.com/zapdesk/zapdesk-platform/internal/events"
)

// Policy holds the debounce interval table. The numeric values are tuning
// knobs, not contracts; only their relative ordering matters
// (mixed media > future reference > plain text).
type Policy struct {
	// TextWait applies when the would-be batch is plain text only.
	TextWait time.Duration
	// MediaWait applies when the batch holds a single media class.
	MediaWait time.Duration
	// MixedWait applies when two different media classes would mix.
	MixedWait time.Duration
	// FutureRefWait applies when the new text announces incoming media.
	FutureRefWait time.Duration
	// QuickWindow is how close a follow-up must land after a
	// future-media reference to count as the same exchange.
	QuickWindow time.Duration
	// ExtendedWait is the minimum interval inside a quick sequence that
	// follows a future-media reference.
	ExtendedWait time.Duration
	// MaxBatchSize flushes a batch early regardless of timers.
	MaxBatchSize int

	futureRef []*regexp.Regexp
}

// The sender saying they are about to send media, in the languages our
// tenants actually write in.
var defaultFutureRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bvou\s+(te\s+)?(enviar|mandar|encaminhar)\b`),
	regexp.MustCompile(`(?i)\bj[aá]\s+(te\s+)?(envio|mando)\b`),
	regexp.MustCompile(`(?i)\bte\s+(envio|mando)\b`),
	regexp.MustCompile(`(?i)\bsegue\s+(a\s+|o\s+|um\s+|uma\s+)?(foto|imagem|v[ií]deo|[aá]udio|arquivo|documento)\b`),
	regexp.MustCompile(`(?i)\b(i'?ll|i am going to|gonna)\s+send\b`),
	regexp.MustCompile(`(?i)\bsending\s+(you\s+)?(a\s+)?(photo|picture|image|audio|video|file)\b`),
}

// DefaultPolicy returns the production interval table.
func DefaultPolicy() Policy {
	return Policy{
		TextWait:      3 * time.Second,
		MediaWait:     8 * time.Second,
		MixedWait:     10 * time.Second,
		FutureRefWait: 10 * time.Second,
		QuickWindow:   30 * time.Second,
		ExtendedWait:  15 * time.Second,
		MaxBatchSize:  10,
		futureRef:     defaultFutureRefPatterns,
	}
}

// normalized fills zero fields with defaults so partially-built policies
// (common in tests) stay coherent.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.TextWait <= 0 {
		p.TextWait = def.TextWait
	}
	if p.MediaWait <= 0 {
		p.MediaWait = def.MediaWait
	}
	if p.MixedWait <= 0 {
		p.MixedWait = def.MixedWait
	}
	if p.FutureRefWait <= 0 {
		p.FutureRefWait = def.FutureRefWait
	}
	if p.QuickWindow <= 0 {
		p.QuickWindow = def.QuickWindow
	}
	if p.ExtendedWait <= 0 {
		p.ExtendedWait = def.ExtendedWait
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = def.MaxBatchSize
	}
	if p.futureRef == nil {
		p.futureRef = defaultFutureRefPatterns
	}
	return p
}

// MatchesFutureMediaRef reports whether the text announces incoming media.
func (p Policy) MatchesFutureMediaRef(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range p.futureRef {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Interval computes the debounce wait for the batch that would result from
// appending newEvt to pending. Re-evaluated on every event.
//
// futureRefSeen is true when a prior event in the same batch announced
// media; sinceLast is the gap from the previous event (zero for the first).
func (p Policy) Interval(pending []events.InboundEvent, newEvt events.InboundEvent, futureRefSeen bool, sinceLast time.Duration) time.Duration {
	classes := map[events.EventKind]bool{}
	for _, evt := range pending {
		if evt.Kind.IsMedia() {
			classes[evt.Kind] = true
		}
	}
	if newEvt.Kind.IsMedia() {
		classes[newEvt.Kind] = true
	}

	var interval time.Duration
	switch {
	case len(classes) > 1:
		interval = p.MixedWait
	case len(classes) == 1:
		interval = p.MediaWait
	case newEvt.Kind == events.KindText && p.MatchesFutureMediaRef(newEvt.Text):
		interval = p.FutureRefWait
	default:
		interval = p.TextWait
	}

	if futureRefSeen && sinceLast > 0 && sinceLast <= p.QuickWindow && interval < p.ExtendedWait {
		interval = p.ExtendedWait
	}
	return interval
}
