package telephony

// SegmenterConfig tunes utterance detection over 8 kHz mu-law audio.
type SegmenterConfig struct {
	// Threshold is the mean absolute linear amplitude above which a frame
	// counts as speech.
	Threshold int
	// SilenceMs of trailing quiet ends an utterance.
	SilenceMs int
	// MinSpeechMs discards clicks and breaths shorter than this.
	MinSpeechMs int
	// MaxUtteranceMs forces a cut on long monologues.
	MaxUtteranceMs int
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.Threshold <= 0 {
		c.Threshold = 500
	}
	if c.SilenceMs <= 0 {
		c.SilenceMs = 700
	}
	if c.MinSpeechMs <= 0 {
		c.MinSpeechMs = 200
	}
	if c.MaxUtteranceMs <= 0 {
		c.MaxUtteranceMs = 15000
	}
	return c
}

const bytesPerMs = 8

// Segmenter accumulates mu-law audio and cuts it into utterances on
// trailing silence. Not safe for concurrent use.
type Segmenter struct {
	cfg      SegmenterConfig
	buf      []byte
	speechMs int
	quietMs  int
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults()}
}

// Feed adds a chunk and returns a finished utterance, or nil.
func (s *Segmenter) Feed(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}
	ms := len(chunk) / bytesPerMs
	loud := meanAmplitude(chunk) >= s.cfg.Threshold

	switch {
	case loud:
		s.speechMs += ms
		s.quietMs = 0
		s.buf = append(s.buf, chunk...)
	case s.speechMs > 0:
		s.quietMs += ms
		s.buf = append(s.buf, chunk...)
	default:
		return nil
	}

	if s.quietMs >= s.cfg.SilenceMs || len(s.buf)/bytesPerMs >= s.cfg.MaxUtteranceMs {
		return s.cut()
	}
	return nil
}

// Flush returns whatever speech is buffered.
func (s *Segmenter) Flush() []byte {
	return s.cut()
}

func (s *Segmenter) cut() []byte {
	out := s.buf
	enough := s.speechMs >= s.cfg.MinSpeechMs
	s.buf, s.speechMs, s.quietMs = nil, 0, 0
	if !enough || len(out) == 0 {
		return nil
	}
	return out
}

func meanAmplitude(chunk []byte) int {
	total := 0
	for _, b := range chunk {
		v := int(ulawToLinear(b))
		if v < 0 {
			v = -v
		}
		total += v
	}
	return total / len(chunk)
}

// ulawToLinear expands one G.711 mu-law byte to 16-bit PCM.
func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}
