package vad

// State is the turn-detector's coarse phase, per spec.md section 4.2.
type State int

const (
	StateListening State = iota // accumulating pre-roll ring
	StateSpeaking               // appending to the utterance buffer
	StateEnding                 // post-silence debounce before emitting
)

// Utterance is a bounded chunk of caller audio delimited by VAD as a single
// speech segment: pre-roll plus the speech itself.
type Utterance struct {
	Audio []byte
}

// Config tunes the Processor's consecutive-frame thresholds and buffering.
type Config struct {
	Mode                Mode
	SampleRateHz        int
	FrameDurationMs      int
	MinSpeechFrames     int // default 3
	MinSilenceFrames    int // default 3
	PreRollFrames       int // number of frames retained before speech onset
}

// DefaultConfig returns spec.md's stated defaults (N=3, M=3).
func DefaultConfig() Config {
	return Config{
		Mode:             ModeAggressive,
		SampleRateHz:     16000,
		FrameDurationMs:  20,
		MinSpeechFrames:  3,
		MinSilenceFrames: 3,
		PreRollFrames:    10,
	}
}

// Processor wraps a Detector with the listening -> speaking -> ending state
// machine and pre-roll/utterance buffers (spec.md section 4.2).
type Processor struct {
	cfg     Config
	det     *Detector
	state   State
	frameSz int

	speechFrames  int
	silenceFrames int

	preRoll   [][]byte // ring buffer of the last PreRollFrames frames
	utterance []byte

	tail []byte // partial trailing bytes kept for the next Feed call
}

// NewProcessor constructs a Processor for the given config.
func NewProcessor(cfg Config) *Processor {
	return &Processor{
		cfg:     cfg,
		det:     NewDetector(cfg.Mode),
		state:   StateListening,
		frameSz: (cfg.SampleRateHz * cfg.FrameDurationMs / 1000) * 2, // PCM16
	}
}

// Config returns the configuration this Processor was constructed with.
func (p *Processor) Config() Config { return p.cfg }

// Feed appends raw PCM16 audio, slices it into configured-size frames, and
// runs each complete frame through the state machine. Any trailing partial
// frame is kept for the next call (spec.md section 4.2 "partial buffers at
// the tail are kept for the next call"). It returns utterances emitted
// during this call, in order.
func (p *Processor) Feed(audio []byte) ([]Utterance, error) {
	buf := append(p.tail, audio...)
	var utterances []Utterance

	for len(buf) >= p.frameSz {
		frame := buf[:p.frameSz]
		buf = buf[p.frameSz:]

		u, err := p.step(frame)
		if err != nil {
			return utterances, err
		}
		if u != nil {
			utterances = append(utterances, *u)
		}
	}
	p.tail = append([]byte(nil), buf...)
	return utterances, nil
}

func (p *Processor) step(frame []byte) (*Utterance, error) {
	isSpeech, err := p.det.IsSpeech(frame, p.cfg.SampleRateHz)
	if err != nil {
		return nil, err
	}

	switch p.state {
	case StateListening:
		p.pushPreRoll(frame)
		if isSpeech {
			p.speechFrames++
			p.silenceFrames = 0
			if p.speechFrames >= p.cfg.MinSpeechFrames {
				p.state = StateSpeaking
				p.utterance = p.utterance[:0]
				for _, f := range p.preRoll {
					p.utterance = append(p.utterance, f...)
				}
				p.utterance = append(p.utterance, frame...)
			}
		} else {
			p.speechFrames = 0
		}

	case StateSpeaking:
		p.utterance = append(p.utterance, frame...)
		if isSpeech {
			p.silenceFrames = 0
		} else {
			p.silenceFrames++
			if p.silenceFrames >= p.cfg.MinSilenceFrames {
				// speaking -> ending -> listening: the debounce threshold
				// is met, so the ending state is entered and immediately
				// emits the assembled utterance (pre-roll + speech),
				// per spec.md section 4.2.
				p.state = StateEnding
				result := &Utterance{Audio: append([]byte(nil), p.utterance...)}
				p.resetToListening()
				return result, nil
			}
		}
	}

	return nil, nil
}

func (p *Processor) pushPreRoll(frame []byte) {
	p.preRoll = append(p.preRoll, append([]byte(nil), frame...))
	if len(p.preRoll) > p.cfg.PreRollFrames {
		p.preRoll = p.preRoll[len(p.preRoll)-p.cfg.PreRollFrames:]
	}
}

func (p *Processor) resetToListening() {
	p.state = StateListening
	p.speechFrames = 0
	p.silenceFrames = 0
	p.utterance = nil
	p.preRoll = nil
}

// ResetOnGating clears all frame counters and buffers, per spec.md section
// 4.2: "On any TTS-gating activation, reset all frame counters and buffers
// to prevent self-listening leakage."
func (p *Processor) ResetOnGating() {
	p.resetToListening()
	p.tail = nil
}

// State returns the processor's current phase (for tests/observability).
func (p *Processor) State() State { return p.state }
