package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type Emotion string

const (
	EmotionNeutral    Emotion = "neutral"
	EmotionHappy      Emotion = "happy"
	EmotionExcited    Emotion = "excited"
	EmotionNervous    Emotion = "nervous"
	EmotionCalm       Emotion = "calm"
	EmotionFrustrated Emotion = "frustrated"
)

// Sensation is either a named level or a numeric intensity.
type Sensation struct {
	Label string
	Level *float64
}

func SensationLabel(label string) Sensation { return Sensation{Label: label} }

func SensationLevel(v float64) Sensation { return Sensation{Level: &v} }

func (s Sensation) IsZero() bool {
	return s.Label == "" && s.Level == nil
}

func (s Sensation) String() string {
	if s.Level != nil {
		return strconv.FormatFloat(*s.Level, 'f', -1, 64)
	}
	return s.Label
}

func (s Sensation) MarshalJSON() ([]byte, error) {
	if s.Level != nil {
		return json.Marshal(*s.Level)
	}
	if s.Label == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s.Label)
}

func (s *Sensation) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = Sensation{}
		return nil
	}
	var level float64
	if err := json.Unmarshal(data, &level); err == nil {
		*s = SensationLevel(level)
		return nil
	}
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return fmt.Errorf("sensation must be a string or a number: %w", err)
	}
	*s = SensationLabel(label)
	return nil
}

// SessionSnapshot is the merged, push-driven view of the live session.
type SessionSnapshot struct {
	Capacity      float64        `json:"capacity"`
	Emotion       Emotion        `json:"emotion"`
	Sensation     Sensation      `json:"sensation"`
	IsGenerating  bool           `json:"isGenerating"`
	FlowActive    bool           `json:"flowActive"`
	FlowVariables map[string]any `json:"flowVariables"`
}

func (s SessionSnapshot) Clone() SessionSnapshot {
	out := s
	out.FlowVariables = make(map[string]any, len(s.FlowVariables))
	for k, v := range s.FlowVariables {
		out.FlowVariables[k] = v
	}
	return out
}

type InterruptKind string

const (
	InterruptNone         InterruptKind = "none"
	InterruptPlayerChoice InterruptKind = "player_choice"
	InterruptSimpleAB     InterruptKind = "simple_ab"
	InterruptChallenge    InterruptKind = "challenge"
)

// Cancellable reports whether a user may dismiss the interrupt without answering.
func (k InterruptKind) Cancellable() bool {
	return k == InterruptChallenge
}

type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Interrupt is a server-pushed modal request. Only the fields matching Kind are set.
type Interrupt struct {
	ID            string          `json:"id"`
	Kind          InterruptKind   `json:"kind"`
	Prompt        string          `json:"prompt,omitempty"`
	Choices       []Choice        `json:"choices,omitempty"`
	LabelA        string          `json:"labelA,omitempty"`
	LabelB        string          `json:"labelB,omitempty"`
	ChallengeKind string          `json:"challengeKind,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

var emotions = []Emotion{EmotionNeutral, EmotionHappy, EmotionExcited, EmotionNervous, EmotionCalm, EmotionFrustrated}

func (e Emotion) Valid() bool {
	for _, known := range emotions {
		if e == known {
			return true
		}
	}
	return false
}

// Envelope is one frame on the push channel, in either direction.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(typ string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Data: raw}, nil
}
