package persistence

import (
	"regexp"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/session"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)
)

// ScrubPII masks emails and phone numbers. Names are kept.
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	return phoneRe.ReplaceAllString(text, "[PHONE]")
}

// scrubSummary returns a copy of s with contact details masked in the
// transcript, the context and turn entities.
func scrubSummary(s session.Summary) session.Summary {
	out := s
	out.Transcript = make([]session.Turn, len(s.Transcript))
	for i, t := range s.Transcript {
		t.Content = ScrubPII(t.Content)
		if phones := t.Entities[pipeline.EntityPhones]; len(phones) > 0 {
			t.Entities = t.Entities.Clone()
			for j := range t.Entities[pipeline.EntityPhones] {
				t.Entities[pipeline.EntityPhones][j] = "[PHONE]"
			}
		}
		out.Transcript[i] = t
	}
	out.Context = s.Context.Clone()
	if _, ok := out.Context[pipeline.CtxCallerPhone]; ok {
		out.Context[pipeline.CtxCallerPhone] = "[PHONE]"
	}
	return out
}
