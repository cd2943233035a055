package contextfmt

import (
	"fmt"
	"strings"
	"time"

	"github.com/tashfeenahmed/scallop/internal/retrieval"
	"github.com/tashfeenahmed/scallop/internal/store"
)

// Format shapes retrieved memories and behavioral patterns into a
// prompt-ready text block for the conversation layer.
func Format(results []retrieval.Result, patterns *store.BehavioralPatterns) string {
	if len(results) == 0 && patterns == nil {
		return ""
	}

	var sb strings.Builder
	if len(results) > 0 {
		sb.WriteString("Relevant memories:\n")
		for _, r := range results {
			age := formatAge(r.Memory.DocumentDate)
			sb.WriteString(fmt.Sprintf("- [%s, %s] %s\n", r.Memory.Category, age, r.Memory.Content))
		}
	}

	if patterns != nil {
		var notes []string
		if patterns.Affect.Emotion != "" && patterns.Affect.Emotion != "neutral" {
			notes = append(notes, fmt.Sprintf("current mood reads %s", patterns.Affect.Emotion))
		}
		if patterns.Affect.GoalSignal != "" {
			notes = append(notes, fmt.Sprintf("recently %s", patterns.Affect.GoalSignal))
		}
		if patterns.Prefs.Dial != "" && patterns.Prefs.Dial != store.DialModerate {
			notes = append(notes, fmt.Sprintf("prefers %s proactiveness", patterns.Prefs.Dial))
		}
		if len(notes) > 0 {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("About this user: ")
			sb.WriteString(strings.Join(notes, "; "))
			sb.WriteString(".\n")
		}
	}
	return sb.String()
}

func formatAge(docDateMs int64) string {
	if docDateMs == 0 {
		return "undated"
	}
	age := time.Since(time.UnixMilli(docDateMs))
	switch {
	case age < time.Hour:
		return "just now"
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	case age < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	case age < 365*24*time.Hour:
		return fmt.Sprintf("%dmo ago", int(age.Hours()/(24*30)))
	}
	return fmt.Sprintf("%dy ago", int(age.Hours()/(24*365)))
}
