// Package logparse extracts structured progress from the free-text output of
// the training, tagging and download tools.
//
// The parsers are heuristic: each call scans a single line for whatever
// tokens happen to be present and reports the subset that matched. A
// malformed token is skipped, never an error; a corrupted log line must not
// be able to take down a job monitor.
package logparse

import (
	"strconv"
	"strings"
)

// TrainingProgress is the set of tokens extracted from one training log line.
// Fields are nil when the token was absent, so callers can tell "not
// reported" apart from zero. Percent is only set when a ratio was available
// on this line; callers keep their previous value otherwise.
type TrainingProgress struct {
	Epoch       *int
	TotalEpochs *int
	Step        *int
	TotalSteps  *int
	Loss        *float64
	LR          *float64
	Percent     *int
}

// TaggingProgress is the set of tokens extracted from one item-counting log
// line (tagging, downloads).
type TaggingProgress struct {
	Current *int
	Total   *int
	File    string
	Percent *int
}

// ParseTrainingProgress scans line for epoch, step, loss and lr tokens. Any
// subset may be present. It returns nil if nothing matched.
//
// When both an epoch/total and a step/total ratio are present, the percent is
// derived from the epoch ratio; that tie-break matches how the trainer
// reports coarse progress.
func (p *Patterns) ParseTrainingProgress(line string) *TrainingProgress {
	tp := &TrainingProgress{}
	matched := false

	if m := p.epoch.FindStringSubmatch(line); m != nil {
		if v, ok := parseInt(m[1]); ok {
			tp.Epoch = &v
			matched = true
		}

		if m[2] != "" {
			if v, ok := parseInt(m[2]); ok {
				tp.TotalEpochs = &v
			}
		}
	}

	if m := p.step.FindStringSubmatch(line); m != nil {
		if v, ok := parseInt(m[1]); ok {
			tp.Step = &v
			matched = true
		}

		if m[2] != "" {
			if v, ok := parseInt(m[2]); ok {
				tp.TotalSteps = &v
			}
		}
	}

	if m := p.loss.FindStringSubmatch(line); m != nil {
		if v, ok := parseFloat(m[1]); ok {
			tp.Loss = &v
			matched = true
		}
	}

	if m := p.lr.FindStringSubmatch(line); m != nil {
		if v, ok := parseFloat(m[1]); ok {
			tp.LR = &v
			matched = true
		}
	}

	if !matched {
		return nil
	}

	if pct, ok := ratioPercent(tp.Epoch, tp.TotalEpochs); ok {
		tp.Percent = &pct
	} else if pct, ok := ratioPercent(tp.Step, tp.TotalSteps); ok {
		tp.Percent = &pct
	}

	return tp
}

// ParseTaggingProgress scans line for an "X/Y" counter and, independently,
// a "processing <path>" token. First counter match wins. It returns nil if
// neither matched.
func (p *Patterns) ParseTaggingProgress(line string) *TaggingProgress {
	tp := &TaggingProgress{}
	matched := false

	if m := p.counter.FindStringSubmatch(line); m != nil {
		cur, okCur := parseInt(m[1])
		total, okTotal := parseInt(m[2])

		if okCur && okTotal {
			tp.Current = &cur
			tp.Total = &total
			matched = true

			if pct, ok := ratioPercent(tp.Current, tp.Total); ok {
				tp.Percent = &pct
			}
		}
	}

	if m := p.file.FindStringSubmatch(line); m != nil {
		tp.File = m[1]
		matched = true
	}

	if !matched {
		return nil
	}

	return tp
}

// ExtractError reports whether line contains any of the configured error
// indicators, case-insensitively, and returns the trimmed line if so. A
// line that merely mentions an indicator word still matches; callers treat
// the result as a hint, not a verdict.
func (p *Patterns) ExtractError(line string) (string, bool) {
	lower := strings.ToLower(line)

	for _, indicator := range p.errorIndicators {
		if strings.Contains(lower, indicator) {
			return strings.TrimSpace(line), true
		}
	}

	return "", false
}

func ratioPercent(current, total *int) (int, bool) {
	if current == nil || total == nil || *total <= 0 {
		return 0, false
	}

	pct := 100 * (*current) / (*total)

	return min(pct, 100), true
}

func parseInt(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}

	return v, true
}

func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}

	return v, true
}
