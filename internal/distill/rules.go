package distill

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// RuleDistiller is the local fallback: a rules-based pull of goals,
// decisions, and milestones from the raw text. It produces a usable
// summary with no network at all.
type RuleDistiller struct {
	MaxSignals int // default 20
}

func (d *RuleDistiller) Name() Provider { return ProviderLocal }

var signalWords = []string{"decision", "decided", "goal", "rule", "todo", "next", "milestone", "blocked", "fixed"}

func (d *RuleDistiller) Distill(_ context.Context, in Input) (string, error) {
	max := d.MaxSignals
	if max <= 0 {
		max = 20
	}

	var signals []string
	for _, line := range strings.Split(in.Text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		for _, word := range signalWords {
			if strings.Contains(lower, word) {
				signals = append(signals, trimmed)
				break
			}
		}
		if len(signals) >= max {
			break
		}
	}

	// No signal lines at all: keep the head of the transcript so the
	// note is never empty.
	if len(signals) == 0 {
		for _, line := range strings.Split(in.Text, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			signals = append(signals, trimmed)
			if len(signals) >= 12 {
				break
			}
		}
	}
	if len(signals) == 0 {
		return "", fmt.Errorf("distill: archive %s has no extractable text", in.ArchivePath)
	}

	var b strings.Builder
	b.WriteString("#### Session summary (local extraction)\n\n")
	for _, s := range signals {
		fmt.Fprintf(&b, "- %s\n", truncateLine(s, 280))
	}
	return b.String(), nil
}

// truncateLine cuts s at a rune boundary at or below max bytes, so a
// multibyte rune is never split into invalid UTF-8.
func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
