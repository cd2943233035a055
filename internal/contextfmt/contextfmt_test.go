package contextfmt

import (
	"strings"
	"testing"
	"time"

	"github.com/tashfeenahmed/scallop/internal/retrieval"
	"github.com/tashfeenahmed/scallop/internal/store"
)

func TestFormatMemoriesAndPatterns(t *testing.T) {
	results := []retrieval.Result{
		{Memory: &store.Memory{Content: "User loves Italian food", Category: store.CategoryPreference, DocumentDate: time.Now().UnixMilli()}, Score: 0.9},
		{Memory: &store.Memory{Content: "User moved last year", Category: store.CategoryEvent, DocumentDate: time.Now().AddDate(-1, 0, 0).UnixMilli()}, Score: 0.4},
	}
	patterns := &store.BehavioralPatterns{
		Affect: store.AffectState{Emotion: "stressed"},
		Prefs:  store.ResponsePrefs{Dial: store.DialConservative},
	}

	out := Format(results, patterns)
	if !strings.Contains(out, "Italian food") || !strings.Contains(out, "preference") {
		t.Errorf("memory line missing: %q", out)
	}
	if !strings.Contains(out, "stressed") || !strings.Contains(out, "conservative") {
		t.Errorf("pattern notes missing: %q", out)
	}
}

func TestFormatEmpty(t *testing.T) {
	if out := Format(nil, nil); out != "" {
		t.Errorf("nothing in should be nothing out, got %q", out)
	}
	// Neutral patterns add no noise
	if out := Format(nil, &store.BehavioralPatterns{Prefs: store.ResponsePrefs{Dial: store.DialModerate}}); out != "" {
		t.Errorf("neutral patterns should format empty, got %q", out)
	}
}
