package pipeline

// Fixed responses spoken instead of generated replies.
const (
	ScriptEmergency = "I understand this may be a medical emergency. If this is life-threatening, please hang up and dial 911 now. I'm connecting you with our on-call staff right away."
	ScriptTransfer  = "Of course. I'll transfer you to one of our receptionists now. Please hold."

	FallbackRepeat   = "I'm sorry, I didn't quite catch that. Could you please repeat what you said?"
	FallbackTransfer = "I apologize, but I'm experiencing some technical difficulties. Let me connect you with a member of our staff who can assist you."
	FallbackEscalate = "I'm sorry for the trouble. Let me transfer you to a member of our staff who can help."
)

// scriptedResponse returns the fixed reply for intents that bypass the
// generated response.
func scriptedResponse(intent string) (string, bool) {
	switch intent {
	case IntentEmergency:
		return ScriptEmergency, true
	case IntentTransferRequest:
		return ScriptTransfer, true
	default:
		return "", false
	}
}

// fallbackResponse picks the degraded reply for a failed stage.
func fallbackResponse(err *Error, escalated bool) string {
	if escalated {
		return FallbackEscalate
	}
	if err != nil && err.Stage == StageTranscribe {
		return FallbackRepeat
	}
	return FallbackTransfer
}

// requiresTransfer reports whether the call should be handed to a human
// after the reply is spoken.
func requiresTransfer(intent string) bool {
	return intent == IntentEmergency || intent == IntentTransferRequest
}
