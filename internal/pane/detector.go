package pane

import (
	"regexp"
	"strings"

	"github.com/Iron-Ham/panecrew/internal/util"
)

// Detector classifies captured pane text.
type Detector interface {
	// IsReady reports whether the pane shows an input prompt.
	IsReady(capture string) bool
	// HasTrustPrompt reports whether a folder trust dialog is waiting for an answer.
	HasTrustPrompt(capture string) bool
	// IsBusy reports whether the agent is in the middle of a turn.
	IsBusy(capture string) bool
	// IsPending reports whether text is still sitting unsubmitted in the input area.
	IsPending(capture, text string) bool
}

// Pattern lists used by PatternDetector. They are matched against the last
// few non-empty lines of a capture with ANSI sequences removed.
var (
	// ReadyPatterns match an idle prompt line.
	ReadyPatterns = []string{
		`(?m)^\s*[>❯›$%#]\s*$`,
		`(?m)^\s*[>❯›]\s`,
		`(?i)\? for shortcuts`,
		`(?i)type your (?:message|request)`,
		`(?i)send a message`,
	}

	// TrustPatterns match a first-run folder trust confirmation.
	TrustPatterns = []string{
		`(?i)do you trust the (?:files|contents|authors)`,
		`(?i)trust (?:this|the) (?:folder|directory|workspace)`,
		`(?i)allow .* to work in this folder`,
	}

	// BusyPatterns match an agent that is generating or running tools.
	BusyPatterns = []string{
		`(?i)esc to (?:interrupt|cancel)`,
		`(?i)ctrl\+c to (?:interrupt|cancel)`,
		`⠋|⠙|⠹|⠸|⠼|⠴|⠦|⠧|⠇|⠏`,
		`(?i)(?:thinking|working|generating)(?:\.{3}|…)`,
	}
)

const (
	// scanLines bounds how much of the capture the pattern checks look at.
	scanLines = 12
	// pendingLines is the input area checked by IsPending.
	pendingLines = 4
	// probeLen is how much of the message tail IsPending looks for.
	probeLen = 40
)

// PatternDetector implements Detector with regular expressions.
type PatternDetector struct {
	ready []*regexp.Regexp
	trust []*regexp.Regexp
	busy  []*regexp.Regexp
}

// NewPatternDetector compiles the default pattern lists.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{
		ready: compilePatterns(ReadyPatterns),
		trust: compilePatterns(TrustPatterns),
		busy:  compilePatterns(BusyPatterns),
	}
}

// compilePatterns compiles a list of regex pattern strings.
// Invalid patterns are skipped.
func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func recent(capture string, n int) string {
	return strings.Join(util.LastLines(util.CleanCapture(capture), n), "\n")
}

// IsReady also accepts a trust dialog: it needs an answer, not more waiting.
func (d *PatternDetector) IsReady(capture string) bool {
	text := recent(capture, scanLines)
	return matchesAny(text, d.trust) || matchesAny(text, d.ready)
}

func (d *PatternDetector) HasTrustPrompt(capture string) bool {
	return matchesAny(recent(capture, scanLines), d.trust)
}

func (d *PatternDetector) IsBusy(capture string) bool {
	return matchesAny(recent(capture, scanLines), d.busy)
}

// IsPending looks for the tail of text in the last few lines. Whitespace is
// ignored on both sides so a message wrapped by the terminal still matches.
func (d *PatternDetector) IsPending(capture, text string) bool {
	probe := squash(text)
	if probe == "" {
		return false
	}
	if r := []rune(probe); len(r) > probeLen {
		probe = string(r[len(r)-probeLen:])
	}
	return strings.Contains(squash(recent(capture, pendingLines)), probe)
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), "")
}
