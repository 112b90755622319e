package story

import "strings"

const (
	directiveScene   = "@scene:"
	directiveRef     = "@ref:"
	directiveNarrate = "@narrate"
	directiveSpeak   = "@speak:"
	directiveInput   = "@input:"
	tagEmotion       = "[emotion:"
	tagPrompt        = "[prompt:"
	optionArrow      = "->"
)

// parseState is the accumulator threaded through the line fold: the scene
// header with the elements closed so far, plus the element still being built.
type parseState struct {
	scene   Scene
	open    Element
	hasOpen bool
}

// Parse converts a story script into a Scene. It never fails: unknown or
// malformed lines degrade to empty fields.
func Parse(text string) Scene {
	st := parseState{scene: Scene{Elements: []Element{}}}
	for _, line := range strings.Split(text, "\n") {
		st = st.step(strings.TrimSuffix(line, "\r"))
	}
	return st.finish()
}

func (st parseState) step(line string) parseState {
	trimmed := strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(line, directiveScene):
		st.scene.ID = strings.TrimSpace(strings.TrimPrefix(line, directiveScene))
	case strings.HasPrefix(line, directiveRef):
		st.scene.Ref = strings.TrimSpace(strings.TrimPrefix(line, directiveRef))
	case strings.HasPrefix(line, directiveNarrate):
		st = st.openElement(Element{Kind: KindNarrate})
	case strings.HasPrefix(line, directiveSpeak):
		st = st.openElement(Element{
			Kind:      KindSpeak,
			Character: strings.TrimSpace(strings.TrimPrefix(line, directiveSpeak)),
		})
	case strings.HasPrefix(line, directiveInput):
		st = st.openElement(Element{Kind: KindInput, Options: []Option{}})
	case strings.HasPrefix(line, tagEmotion):
		if st.hasOpen {
			st.open.Emotion = tagValue(line, tagEmotion)
		}
	case strings.HasPrefix(line, tagPrompt):
		if st.hasOpen {
			st.open.Prompt = stripQuotes(tagValue(line, tagPrompt))
		}
	case strings.HasPrefix(line, "-") && st.hasOpen && st.open.Kind == KindInput:
		st.open.Options = append(st.open.Options, parseOption(line))
	case trimmed != "" && strings.HasPrefix(trimmed, `"`):
		if st.hasOpen {
			st.open.Content = stripQuotes(trimmed)
		}
	case trimmed != "" && !strings.HasPrefix(line, "["):
		// Dash lines outside an input element land here and become content.
		if st.hasOpen {
			st.open.Content = trimmed
		}
	}
	return st
}

func (st parseState) openElement(next Element) parseState {
	st = st.closeOpen()
	st.open = next
	st.hasOpen = true
	return st
}

func (st parseState) closeOpen() parseState {
	if st.hasOpen {
		st.scene.Elements = append(st.scene.Elements, st.open)
		st.open = Element{}
		st.hasOpen = false
	}
	return st
}

func (st parseState) finish() Scene {
	return st.closeOpen().scene
}

// tagValue extracts the text of a bracket tag: the prefix and the first
// closing bracket are removed.
func tagValue(line, prefix string) string {
	rest := strings.TrimPrefix(line, prefix)
	return strings.TrimSpace(strings.Replace(rest, "]", "", 1))
}

func parseOption(line string) Option {
	body := strings.TrimSpace(strings.Replace(line, "-", "", 1))
	parts := strings.Split(body, optionArrow)
	opt := Option{Text: stripQuotes(strings.TrimSpace(parts[0]))}
	if len(parts) > 1 {
		opt.Next = strings.TrimSpace(parts[1])
	}
	return opt
}

func stripQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, "")
}
