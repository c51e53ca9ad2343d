// Package understanding interprets caller text: intent, entities, sentiment
// and the assistant reply.
package understanding

import (
	"regexp"
	"strings"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
)

// Intents beyond the ones the pipeline acts on.
const (
	IntentCancelReschedule = "cancel_reschedule_appointment"
	IntentInsuranceQuery   = "insurance_query"
	IntentClinicInfo       = "clinic_info"
)

var (
	emergencyPhrases = []string{
		"emergency", "chest pain", "can't breathe", "cannot breathe", "trouble breathing",
		"not breathing", "accident", "bleeding", "unconscious", "stroke", "heart attack",
		"overdose", "seizure", "911",
	}
	transferPhrases = []string{
		"human", "representative", "operator", "real person", "receptionist",
		"speak to someone", "talk to someone", "transfer me",
	}
	appointmentPhrases = []string{"appointment", "appointments", "schedule", "scheduling", "book", "booking", "available", "availability", "when can i"}
	cancelPhrases      = []string{"cancel", "cancellation", "reschedule"}
	insurancePhrases   = []string{"insurance", "coverage", "copay"}
	clinicInfoPhrases  = []string{"hours", "open", "location", "address", "directions"}
	greetingPhrases    = []string{"hello", "hi", "hey", "good morning", "good afternoon", "hola"}

	positiveWords = []string{"good", "great", "excellent", "happy", "satisfied", "pleased", "wonderful", "thank"}
	negativeWords = []string{"bad", "terrible", "awful", "angry", "frustrated", "disappointed", "upset"}
	urgentWords   = []string{"urgent", "asap", "immediately", "right away", "critical"}
	spanishWords  = []string{"hola", "gracias", "por favor", "español", "cita", "necesito", "sí"}

	dateRe  = regexp.MustCompile(`(?i)\b(\d{1,2}/\d{1,2}/\d{4}|\d{1,2}-\d{1,2}-\d{4}|tomorrow|today|next week|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	timeRe  = regexp.MustCompile(`(?i)\b(\d{1,2}:\d{2}(?:\s?[ap]m)?|\d{1,2}\s?[ap]m)\b`)
	phoneRe = regexp.MustCompile(`\(\d{3}\)\s?\d{3}-\d{4}|\b\d{3}-\d{3}-\d{4}\b`)
	nameRe  = regexp.MustCompile(`\b[Mm]y name is\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	wordRe  = regexp.MustCompile(`[\p{L}\d']+`)
)

// Analysis is the rule-based reading of one utterance.
type Analysis struct {
	Intent    string
	Entities  pipeline.Entities
	Sentiment string
	Emotion   string
	Urgency   string
	Language  string
}

// Analyze classifies text with keyword rules. Emergencies win over every
// other intent.
func Analyze(text string) Analysis {
	lower := strings.ToLower(text)
	words := wordSet(lower)
	a := Analysis{
		Intent:    detectIntent(lower, words),
		Entities:  extractEntities(text),
		Sentiment: detectSentiment(lower),
		Emotion:   detectEmotion(lower),
		Language:  detectLanguage(lower, words),
	}
	a.Urgency = assessUrgency(lower, a.Intent)
	return a
}

func wordSet(lower string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(lower, -1) {
		out[w] = struct{}{}
	}
	return out
}

// containsPhrase matches multi-word phrases as substrings and single words
// on word boundaries.
func containsPhrase(lower string, words map[string]struct{}, phrases []string) bool {
	for _, p := range phrases {
		if strings.ContainsAny(p, " '") {
			if strings.Contains(lower, p) {
				return true
			}
			continue
		}
		if _, ok := words[p]; ok {
			return true
		}
	}
	return false
}

func detectIntent(lower string, words map[string]struct{}) string {
	switch {
	case containsPhrase(lower, words, emergencyPhrases):
		return pipeline.IntentEmergency
	case containsPhrase(lower, words, transferPhrases):
		return pipeline.IntentTransferRequest
	case containsPhrase(lower, words, cancelPhrases):
		return IntentCancelReschedule
	case containsPhrase(lower, words, appointmentPhrases):
		return pipeline.IntentScheduleAppointment
	case containsPhrase(lower, words, insurancePhrases):
		return IntentInsuranceQuery
	case containsPhrase(lower, words, clinicInfoPhrases):
		return IntentClinicInfo
	case containsPhrase(lower, words, greetingPhrases):
		return pipeline.IntentGreeting
	default:
		return pipeline.IntentGeneralQuery
	}
}

func extractEntities(text string) pipeline.Entities {
	out := pipeline.Entities{}
	if m := dateRe.FindAllString(text, -1); len(m) > 0 {
		out[pipeline.EntityDates] = m
	}
	if m := timeRe.FindAllString(text, -1); len(m) > 0 {
		out[pipeline.EntityTimes] = m
	}
	if m := phoneRe.FindAllString(text, -1); len(m) > 0 {
		out[pipeline.EntityPhones] = m
	}
	if m := nameRe.FindStringSubmatch(text); len(m) == 2 {
		out[pipeline.EntityName] = []string{m[1]}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func countContaining(lower string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}

func detectSentiment(lower string) string {
	pos, neg := countContaining(lower, positiveWords), countContaining(lower, negativeWords)
	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	default:
		return "neutral"
	}
}

func detectEmotion(lower string) string {
	switch {
	case strings.Contains(lower, "angry") || strings.Contains(lower, "mad"):
		return "angry"
	case strings.Contains(lower, "frustrated") || strings.Contains(lower, "annoyed"):
		return "frustrated"
	case strings.Contains(lower, "worried") || strings.Contains(lower, "concerned"):
		return "worried"
	case strings.Contains(lower, "happy") || strings.Contains(lower, "glad"):
		return "happy"
	case strings.Contains(lower, "pain") || strings.Contains(lower, "hurt"):
		return "distressed"
	default:
		return "neutral"
	}
}

func assessUrgency(lower, intent string) string {
	if intent == pipeline.IntentEmergency {
		return pipeline.UrgencyCritical
	}
	if countContaining(lower, urgentWords) > 0 {
		return pipeline.UrgencyHigh
	}
	return pipeline.UrgencyNormal
}

func detectLanguage(lower string, words map[string]struct{}) string {
	if containsPhrase(lower, words, spanishWords) {
		return "es"
	}
	return "en"
}
