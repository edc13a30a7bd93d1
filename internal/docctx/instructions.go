package docctx

import (
	"fmt"
	"strings"
)

// Profile describes the learner a session is for.
type Profile struct {
	// Language is the BCP-47 tag of the language being practised.
	Language string

	// AgeGroup is one of "child", "teen" or "adult". Empty means adult.
	AgeGroup string
}

// maxContextChars bounds the reading material embedded in the instruction.
const maxContextChars = 6000

// FormatInstructions renders the system instruction for a tutoring session.
// Chunks are embedded best rank first until maxContextChars is reached.
// The function is pure and safe for concurrent use.
func FormatInstructions(p Profile, chunks []Chunk) string {
	var sb strings.Builder

	lang := p.Language
	if lang == "" {
		lang = "en"
	}
	fmt.Fprintf(&sb, "You are a patient spoken-language tutor. Hold a natural conversation in %s.", languageName(lang))
	sb.WriteString(" Keep replies short, one or two sentences, and end with a question that invites the learner to speak.")
	sb.WriteString(" When the learner makes a mistake, repeat the corrected phrase naturally instead of lecturing.")

	switch p.AgeGroup {
	case "child":
		sb.WriteString("\n\nThe learner is a child. Use simple words, a warm tone and lots of encouragement.")
	case "teen":
		sb.WriteString("\n\nThe learner is a teenager. Be friendly and relaxed, and avoid sounding childish.")
	default:
		sb.WriteString("\n\nThe learner is an adult.")
	}

	if len(chunks) == 0 {
		return sb.String()
	}

	sb.WriteString("\n\n## Reading Material\nBase the conversation on these excerpts the learner is studying:\n")
	used := 0
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		if used+len(text) > maxContextChars {
			break
		}
		used += len(text)
		sb.WriteString("\n- ")
		sb.WriteString(text)
	}
	return sb.String()
}

func languageName(tag string) string {
	base, _, _ := strings.Cut(strings.ToLower(tag), "-")
	switch base {
	case "en":
		return "English"
	case "es":
		return "Spanish"
	case "fr":
		return "French"
	case "de":
		return "German"
	case "it":
		return "Italian"
	case "pt":
		return "Portuguese"
	case "ja":
		return "Japanese"
	case "zh":
		return "Chinese"
	default:
		return tag
	}
}
