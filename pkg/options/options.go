// Package options holds the runner configuration table described in
// the engine's external interfaces: run bounds, per-run limits, the
// exit-code-to-fault mapping, and the entropic-selection switches.
package options

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options mirrors the recognised option table. Zero values mean "unlimited"
// or "disabled" for every field except where noted.
type Options struct {
	Runs          int           `yaml:"runs"`            // 0 = unlimited
	MaxTotalTime  time.Duration `yaml:"max_total_time"`  // 0 = unlimited
	MaxInputSize  int           `yaml:"max_input_size"`
	MutationDepth int           `yaml:"mutation_depth"`
	DetectLeaks   bool          `yaml:"detect_leaks"`
	DetectExits   bool          `yaml:"detect_exits"`
	RunLimit      time.Duration `yaml:"run_limit"`
	MallocLimit   int64         `yaml:"malloc_limit"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	OOMLimit      int64         `yaml:"oom_limit"`

	MallocExitcode int `yaml:"malloc_exitcode"`
	DeathExitcode  int `yaml:"death_exitcode"`
	LeakExitcode   int `yaml:"leak_exitcode"`
	OOMExitcode    int `yaml:"oom_exitcode"`

	// Seed is the PRNG seed for both mutation and entropic corpus selection.
	Seed uint64 `yaml:"seed"`
	// DisableEntropic turns pick() into uniform random selection, for
	// tests that need a reproducible sequence independent of feature
	// weighting.
	DisableEntropic bool `yaml:"disable_entropic"`
}

// Default returns an Options populated with the engine's defaults.
func Default() Options {
	return Options{
		MaxInputSize:   1 << 20,
		MutationDepth:  5,
		RunLimit:       20 * time.Second,
		MallocLimit:    2 << 30,
		PurgeInterval:  1 * time.Second,
		OOMLimit:       2 << 30,
		MallocExitcode: 2000,
		DeathExitcode:  2001,
		LeakExitcode:   2002,
		OOMExitcode:    2003,
	}
}

// Load reads yaml-encoded Options from path, starting from Default() and
// overlaying the file's contents, so any field the file omits keeps its
// default value. The result is then checked with Validate.
func Load(path string) (Options, error) {
	o := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, err
	}
	return o, o.Validate()
}

// Validate rejects nonsensical combinations.
func (o *Options) Validate() error {
	if o.Runs < 0 {
		return &invalidField{"runs", "must be >= 0"}
	}
	if o.MaxTotalTime < 0 {
		return &invalidField{"max_total_time", "must be >= 0"}
	}
	if o.RunLimit < 0 {
		return &invalidField{"run_limit", "must be >= 0"}
	}
	if o.MutationDepth <= 0 {
		o.MutationDepth = 1
	}
	if o.MaxInputSize <= 0 {
		o.MaxInputSize = Default().MaxInputSize
	}
	return nil
}

type invalidField struct {
	field, reason string
}

func (e *invalidField) Error() string {
	return "options: " + e.field + ": " + e.reason
}
