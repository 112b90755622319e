package story

// Kind identifies the variant of a scene element.
type Kind string

const (
	KindNarrate Kind = "narrate"
	KindSpeak   Kind = "speak"
	KindInput   Kind = "input"
)

// Option is one branch of an input element.
type Option struct {
	Text string `json:"text"`
	Next string `json:"next"`
}

// Element is one narration, spoken line or branching input point.
// Fields that do not belong to Kind stay empty.
type Element struct {
	Kind      Kind     `json:"type" jsonschema:"enum=narrate,enum=speak,enum=input"`
	Content   string   `json:"content"`
	Character string   `json:"character,omitempty"`
	Emotion   string   `json:"emotion,omitempty"`
	Options   []Option `json:"options,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
}

// Scene is the parsed form of a story script. Elements are in narration order.
type Scene struct {
	ID       string    `json:"id"`
	Ref      string    `json:"ref"`
	Elements []Element `json:"elements"`
}
