package understanding

import (
	"context"
	"fmt"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
)

// KeywordResponder answers from fixed templates chosen by keyword analysis.
// It never fails and serves as the default responder and as the LLM
// responder's safety net.
type KeywordResponder struct {
	ClinicHours string
}

// NewKeywordResponder returns a responder with the default clinic hours.
func NewKeywordResponder() *KeywordResponder {
	return &KeywordResponder{ClinicHours: "Monday through Friday, 8 AM to 6 PM, and Saturday 9 AM to 1 PM"}
}

// Respond implements pipeline.Responder.
func (k *KeywordResponder) Respond(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Understanding{}, err
	}
	a := Analyze(input)
	return pipeline.Understanding{
		Response:  k.reply(a, merged(conv, a.Entities)),
		Intent:    a.Intent,
		Entities:  a.Entities,
		Sentiment: a.Sentiment,
		Emotion:   a.Emotion,
		Urgency:   a.Urgency,
		Language:  a.Language,
	}, nil
}

// merged overlays this turn's entities on the accumulated context without
// touching the caller's map.
func merged(conv pipeline.Context, e pipeline.Entities) pipeline.Context {
	out := conv.Clone()
	if v := e.First(pipeline.EntityName); v != "" {
		out[pipeline.CtxCallerName] = v
	}
	if v := e.First(pipeline.EntityPhones); v != "" {
		out[pipeline.CtxCallerPhone] = v
	}
	if v := e.First(pipeline.EntityDates); v != "" {
		out[pipeline.CtxPreferredDate] = v
	}
	if v := e.First(pipeline.EntityTimes); v != "" {
		out[pipeline.CtxPreferredTime] = v
	}
	return out
}

func (k *KeywordResponder) reply(a Analysis, conv pipeline.Context) string {
	if a.Language == "es" && a.Intent != pipeline.IntentEmergency {
		return "Con gusto le ayudo. Puedo ayudarle a programar una cita o responder preguntas sobre la clínica. ¿En qué puedo ayudarle?"
	}
	switch a.Intent {
	case pipeline.IntentScheduleAppointment:
		return appointmentReply(conv)
	case IntentCancelReschedule:
		return "I can help with that. What is the date of your current appointment?"
	case IntentInsuranceQuery:
		return "We accept most major insurance plans. Which insurance provider do you have?"
	case IntentClinicInfo:
		hours := k.ClinicHours
		if hours == "" {
			hours = "during regular business hours"
		}
		return fmt.Sprintf("We're open %s. Is there anything else I can help you with?", hours)
	case pipeline.IntentGreeting:
		return "Hello! How can I help you today?"
	case pipeline.IntentTransferRequest, pipeline.IntentEmergency:
		// The pipeline replaces these with scripted text.
		return ""
	default:
		return "I can help with appointments, insurance questions, and clinic information. What can I do for you?"
	}
}

// appointmentReply asks for the next missing booking detail.
func appointmentReply(conv pipeline.Context) string {
	name := conv[pipeline.CtxCallerName]
	switch {
	case name == "":
		return "I'd be happy to help you schedule an appointment. May I have your full name?"
	case conv[pipeline.CtxCallerPhone] == "":
		return fmt.Sprintf("Thank you, %s. What's the best phone number to reach you?", name)
	case conv[pipeline.CtxPreferredDate] == "":
		return "What day works best for your visit?"
	}
	when := conv[pipeline.CtxPreferredDate]
	if t := conv[pipeline.CtxPreferredTime]; t != "" {
		when += " at " + t
	}
	return fmt.Sprintf("Great, %s. I've noted your request for %s. Our front desk will call %s to confirm.", name, when, conv[pipeline.CtxCallerPhone])
}
