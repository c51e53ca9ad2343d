package understanding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const (
	defaultHistoryTurns = 12
	defaultMaxTokens    = 400
)

const systemPrompt = `You are the phone receptionist for a medical clinic. Keep replies short, warm and suitable for speech (two sentences at most). Never give medical advice.

Reply with a single JSON object and nothing else:
{"response": "<what to say>", "intent": "<intent>", "entities": {"name": ["..."], "phones": ["..."], "dates": ["..."], "times": ["..."], "symptoms": ["..."]}, "sentiment": "positive|negative|neutral", "emotion": "angry|frustrated|worried|happy|distressed|neutral", "urgency": "normal|high|critical", "language": "en|es"}

Valid intents: emergency, transfer_request, schedule_appointment, cancel_reschedule_appointment, insurance_query, clinic_info, greeting, general_query.
Use "emergency" for anything that may be life-threatening and "transfer_request" when the caller asks for a person.`

// LLMResponder generates replies with a language model. Keyword analysis
// fills fields the model omits and overrides it when it misses an emergency.
type LLMResponder struct {
	client       LLMClient
	model        string
	historyTurns int
	logger       *logging.Logger
}

// NewLLMResponder builds a responder over client for the given model id.
func NewLLMResponder(client LLMClient, model string, logger *logging.Logger) *LLMResponder {
	if client == nil {
		panic("understanding: llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LLMResponder{client: client, model: model, historyTurns: defaultHistoryTurns, logger: logger}
}

type llmPayload struct {
	Response  string              `json:"response"`
	Intent    string              `json:"intent"`
	Entities  map[string][]string `json:"entities"`
	Sentiment string              `json:"sentiment"`
	Emotion   string              `json:"emotion"`
	Urgency   string              `json:"urgency"`
	Language  string              `json:"language"`
}

// Respond implements pipeline.Responder.
func (r *LLMResponder) Respond(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
	req := LLMRequest{
		Model:       r.model,
		System:      []string{systemPrompt, contextBlock(conv)},
		Messages:    r.messages(history, input),
		MaxTokens:   defaultMaxTokens,
		Temperature: 0.2,
	}
	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return pipeline.Understanding{}, err
	}

	rules := Analyze(input)
	payload, perr := parsePayload(resp.Text)
	if perr != nil {
		r.logger.Warn("understanding: model reply was not json, using raw text", "error", perr)
		payload = llmPayload{Response: strings.TrimSpace(resp.Text)}
	}
	if strings.TrimSpace(payload.Response) == "" && rules.Intent != pipeline.IntentEmergency {
		return pipeline.Understanding{}, errors.New("understanding: model returned an empty reply")
	}

	out := pipeline.Understanding{
		Response:  strings.TrimSpace(payload.Response),
		Intent:    normalizeIntent(payload.Intent),
		Entities:  pipeline.Entities(payload.Entities),
		Sentiment: firstNonEmpty(payload.Sentiment, rules.Sentiment),
		Emotion:   firstNonEmpty(payload.Emotion, rules.Emotion),
		Urgency:   firstNonEmpty(payload.Urgency, rules.Urgency),
		Language:  firstNonEmpty(payload.Language, rules.Language),
	}
	if out.Intent == "" {
		out.Intent = rules.Intent
	}
	if len(out.Entities) == 0 {
		out.Entities = rules.Entities
	}
	if rules.Intent == pipeline.IntentEmergency {
		out.Intent = pipeline.IntentEmergency
		out.Urgency = pipeline.UrgencyCritical
	}
	return out, nil
}

func (r *LLMResponder) messages(history []pipeline.Turn, input string) []Message {
	if len(history) > r.historyTurns {
		history = history[len(history)-r.historyTurns:]
	}
	out := make([]Message, 0, len(history)+1)
	for _, t := range history {
		// Failed transcriptions leave empty caller turns behind.
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		role := RoleUser
		if t.Speaker == pipeline.SpeakerAssistant {
			role = RoleAssistant
		}
		out = append(out, Message{Role: role, Content: t.Content})
	}
	// Converse requires the conversation to open with the user.
	for len(out) > 0 && out[0].Role == RoleAssistant {
		out = out[1:]
	}
	return append(out, Message{Role: RoleUser, Content: input})
}

func contextBlock(conv pipeline.Context) string {
	if len(conv) == 0 {
		return "Known caller details: none yet."
	}
	keys := make([]string, 0, len(conv))
	for k := range conv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("Known caller details:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, conv[k])
	}
	return b.String()
}

func parsePayload(raw string) (llmPayload, error) {
	text := extractJSONObject(stripCodeFence(raw))
	if text == "" {
		return llmPayload{}, errors.New("empty reply")
	}
	var p llmPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return llmPayload{}, err
	}
	return p, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func extractJSONObject(text string) string {
	if strings.HasPrefix(text, "{") {
		return text
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func normalizeIntent(raw string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
