package pipeline

import (
	"context"
	"strings"

	"github.com/zapdesk/zapdesk-platform/internal/events"
)

// StubResponder is a placeholder batch responder used until a real reply
// engine is wired in. It acknowledges text batches and stays silent for
// media-only ones.
type StubResponder struct{}

func NewStubResponder() *StubResponder {
	return &StubResponder{}
}

func (s *StubResponder) Respond(_ context.Context, job BatchJob) (string, error) {
	var lastText string
	for _, evt := range job.Events {
		if evt.Kind == events.KindText && strings.TrimSpace(evt.Text) != "" {
			lastText = evt.Text
		}
	}
	if lastText == "" {
		return "", nil
	}
	return "Recebemos sua mensagem! Um atendente vai responder em instantes.", nil
}
