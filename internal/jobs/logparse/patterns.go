package logparse

import (
	"fmt"
	"regexp"
)

// PatternConfig is the declarative pattern table the parser is built from.
// The trainer's log phrasing drifts between releases, so the patterns are
// configuration data rather than hard-coded logic; the daemon config can
// override any of them without touching the monitor loop.
type PatternConfig struct {
	// Epoch matches an "epoch N" or "epoch N/M" token. Group 1 is the epoch,
	// group 2 (optional) the total.
	Epoch string `yaml:"epoch"`

	// Step matches a "step N" or "steps N/M" token. Group 1 is the step,
	// group 2 (optional) the total.
	Step string `yaml:"step"`

	// Loss matches a "loss" token followed by a float.
	Loss string `yaml:"loss"`

	// LR matches an "lr" token followed by a float, exponential notation
	// included.
	LR string `yaml:"lr"`

	// Counter matches an "X/Y" item counter. Group 1 is the current item,
	// group 2 the total.
	Counter string `yaml:"counter"`

	// File matches a "processing <path>" token. Group 1 is the path. The
	// default requires a dot-extension so plain counters like "45/100" are
	// not mistaken for filenames.
	File string `yaml:"file"`

	// ErrorIndicators are case-insensitive substrings that mark a line as a
	// possible error.
	ErrorIndicators []string `yaml:"error_indicators"`
}

// DefaultPatternConfig returns the pattern table matching the upstream
// trainer and tagger tools.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Epoch:   `(?i)\bepoch[\s:=]+(\d+)(?:\s*/\s*(\d+))?`,
		Step:    `(?i)\bsteps?[\s:=]+(\d+)(?:\s*/\s*(\d+))?`,
		Loss:    `(?i)\bloss[\s:=]+([0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?)`,
		LR:      `(?i)\blr[\s:=]+([0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)`,
		Counter: `(\d+)\s*/\s*(\d+)`,
		File:    `(?i)\bprocessing[\s:]+['"]?([^\s'"]+\.\w+)`,
		ErrorIndicators: []string{
			"error",
			"exception",
			"failed",
			"traceback",
			"fatal",
		},
	}
}

// Patterns is a compiled pattern table. Safe for concurrent use; all parse
// methods are pure given the line.
type Patterns struct {
	epoch   *regexp.Regexp
	step    *regexp.Regexp
	loss    *regexp.Regexp
	lr      *regexp.Regexp
	counter *regexp.Regexp
	file    *regexp.Regexp

	errorIndicators []string
}

// Compile compiles cfg into a Patterns. Empty entries fall back to the
// defaults, so a config override only needs to name the patterns it changes.
func Compile(cfg PatternConfig) (*Patterns, error) {
	def := DefaultPatternConfig()

	compile := func(name, expr, fallback string) (*regexp.Regexp, error) {
		if expr == "" {
			expr = fallback
		}

		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", name, err)
		}

		return re, nil
	}

	p := &Patterns{errorIndicators: cfg.ErrorIndicators}

	if len(p.errorIndicators) == 0 {
		p.errorIndicators = def.ErrorIndicators
	}

	var err error

	if p.epoch, err = compile("epoch", cfg.Epoch, def.Epoch); err != nil {
		return nil, err
	}

	if p.step, err = compile("step", cfg.Step, def.Step); err != nil {
		return nil, err
	}

	if p.loss, err = compile("loss", cfg.Loss, def.Loss); err != nil {
		return nil, err
	}

	if p.lr, err = compile("lr", cfg.LR, def.LR); err != nil {
		return nil, err
	}

	if p.counter, err = compile("counter", cfg.Counter, def.Counter); err != nil {
		return nil, err
	}

	if p.file, err = compile("file", cfg.File, def.File); err != nil {
		return nil, err
	}

	return p, nil
}

// Default returns the compiled default pattern table.
func Default() *Patterns {
	p, err := Compile(DefaultPatternConfig())
	if err != nil {
		// The default table is covered by tests; failing to compile it is a
		// programming error.
		panic(err)
	}

	return p
}
