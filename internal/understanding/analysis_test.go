package understanding

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
)

func TestAnalyzeIntent(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"I need an appointment", pipeline.IntentScheduleAppointment},
		{"chest pain, emergency", pipeline.IntentEmergency},
		{"My father can't breathe", pipeline.IntentEmergency},
		{"Can I speak to a real person?", pipeline.IntentTransferRequest},
		{"I have to cancel my appointment", IntentCancelReschedule},
		{"Do you take my insurance?", IntentInsuranceQuery},
		{"What are your hours?", IntentClinicInfo},
		{"Hello there", pipeline.IntentGreeting},
		{"Can you help me book a cleaning", pipeline.IntentScheduleAppointment},
		{"I know this is silly", pipeline.IntentGeneralQuery},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Analyze(tt.input).Intent)
		})
	}
}

func TestAnalyzeEntities(t *testing.T) {
	a := Analyze("My name is Jane Doe, call me at 206-555-0100 about tomorrow at 3pm or 10:30 am")
	assert.Equal(t, []string{"Jane Doe"}, a.Entities[pipeline.EntityName])
	assert.Equal(t, []string{"206-555-0100"}, a.Entities[pipeline.EntityPhones])
	assert.Equal(t, []string{"tomorrow"}, a.Entities[pipeline.EntityDates])
	assert.Equal(t, []string{"3pm", "10:30 am"}, a.Entities[pipeline.EntityTimes])

	assert.Nil(t, Analyze("nothing to see").Entities)
	assert.Equal(t, []string{"(206) 555-0100"}, Analyze("reach me at (206) 555-0100").Entities[pipeline.EntityPhones])
}

func TestAnalyzeTone(t *testing.T) {
	a := Analyze("I'm really frustrated and upset, this is urgent")
	assert.Equal(t, "negative", a.Sentiment)
	assert.Equal(t, "frustrated", a.Emotion)
	assert.Equal(t, pipeline.UrgencyHigh, a.Urgency)

	b := Analyze("Great, thank you so much, I'm glad")
	assert.Equal(t, "positive", b.Sentiment)
	assert.Equal(t, "happy", b.Emotion)
	assert.Equal(t, pipeline.UrgencyNormal, b.Urgency)

	assert.Equal(t, pipeline.UrgencyCritical, Analyze("this is an emergency").Urgency)
	assert.Equal(t, "distressed", Analyze("my tooth hurts").Emotion)
}

func TestAnalyzeLanguage(t *testing.T) {
	assert.Equal(t, "es", Analyze("Hola, necesito una cita por favor").Language)
	assert.Equal(t, "en", Analyze("No, I do not know").Language)
}
