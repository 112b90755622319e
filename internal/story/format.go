package story

import "strings"

// Format renders a Scene back into script text. Parse(Format(s)) yields the
// same elements for any scene whose text fields hold no double quotes,
// newlines, closing brackets or "->" sequences, which is everything Parse
// itself can produce from single-line values.
func Format(s Scene) string {
	var b strings.Builder
	if s.ID != "" {
		b.WriteString(directiveScene + s.ID + "\n")
	}
	if s.Ref != "" {
		b.WriteString(directiveRef + s.Ref + "\n")
	}

	for _, el := range s.Elements {
		b.WriteString("\n")
		switch el.Kind {
		case KindSpeak:
			b.WriteString(directiveSpeak + el.Character + "\n")
		case KindInput:
			b.WriteString(directiveInput + "\n")
		default:
			b.WriteString(directiveNarrate + "\n")
		}
		if el.Emotion != "" {
			b.WriteString(tagEmotion + el.Emotion + "]\n")
		}
		if el.Prompt != "" {
			b.WriteString(tagPrompt + `"` + el.Prompt + `"]` + "\n")
		}
		if el.Content != "" {
			b.WriteString(`"` + el.Content + `"` + "\n")
		}
		for _, opt := range el.Options {
			b.WriteString(`- "` + opt.Text + `"`)
			if opt.Next != "" {
				b.WriteString(" " + optionArrow + " " + opt.Next)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
