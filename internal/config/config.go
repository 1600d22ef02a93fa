// Package config provides YAML configuration loading and validation for
// the memory allocation tracer.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the tracer.
type Config struct {
	// RingBufferBytes is the per-ring mmap size. Must be a power of two.
	// Defaults to 4 MiB when omitted.
	RingBufferBytes int `yaml:"ring_buffer_bytes"`

	// Tracepoints is the set of kmem tracepoints to subscribe to. The two
	// mm_page_* entries are mandatory and added automatically if missing.
	Tracepoints []string `yaml:"tracepoints"`

	// TrackSlab is a convenience alias that adds the kmem_cache_alloc/free
	// tracepoints to Tracepoints.
	TrackSlab bool `yaml:"track_slab"`

	// Report selects the one-shot report kind: "task_summary" or
	// "module_summary". Defaults to "task_summary".
	Report string `yaml:"report"`

	// ReportLoop re-renders the report on an interval instead of once at
	// exit.
	ReportLoop bool `yaml:"report_loop"`

	// OutputPath is where the report is written. "-" means stdout.
	OutputPath string `yaml:"output_path"`

	// TopOnly restricts the text report to tasks/modules/tracenodes that
	// still hold a non-zero pages_alloc, omitting fully-freed call-graph
	// branches. The debug API does not read it; its list endpoints take
	// their own ?top_only= query parameter.
	TopOnly bool `yaml:"top_only"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DebugAddr is the listen address for the debug HTTP API
	// (e.g. "127.0.0.1:9000"). Empty disables it.
	DebugAddr string `yaml:"debug_addr"`

	// DebugToken is the HS256 shared secret bearer tokens on the debug API
	// must be signed with. Required when DebugAddr is set.
	DebugToken string `yaml:"debug_token"`

	// MaxFrames bounds how many backtrace entries are charged per event
	// before the remainder collapses into a synthetic "<truncated>" child.
	// Defaults to 64.
	MaxFrames int `yaml:"max_frames"`

	// PageFreeAlwaysBacktrack sets the Tracenode Graph's initial
	// page_free_always_backtrack mode (§4.4): when true, every page free
	// resolves and logs its full leaf-to-root call path instead of only
	// updating counters. It can also be flipped at runtime through the
	// debug API's PUT /api/v1/backtrack-mode route, the need_page_free_
	// always_backtrack() hook named in §6.
	PageFreeAlwaysBacktrack bool `yaml:"page_free_always_backtrack"`
}

const (
	ReportTaskSummary   = "task_summary"
	ReportModuleSummary = "module_summary"

	TracepointPageAlloc  = "mm_page_alloc"
	TracepointPageFree   = "mm_page_free"
	TracepointCacheAlloc = "kmem_cache_alloc"
	TracepointCacheFree  = "kmem_cache_free"
	TracepointExtfrag    = "mm_page_alloc_extfrag"

	defaultRingBufferBytes = 4 << 20
	defaultMaxFrames       = 64
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validReports is the set of accepted report kind strings.
var validReports = map[string]bool{
	ReportTaskSummary:   true,
	ReportModuleSummary: true,
}

// tracepointOrder lists the accepted tracepoint names, in the canonical
// order they're re-emitted in after defaulting.
var tracepointOrder = []string{
	TracepointPageAlloc, TracepointPageFree,
	TracepointCacheAlloc, TracepointCacheFree,
	TracepointExtfrag,
}

var validTracepoints = func() map[string]bool {
	m := make(map[string]bool, len(tracepointOrder))
	for _, tp := range tracepointOrder {
		m[tp] = true
	}
	return m
}()

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. It returns a joined error describing
// every validation failure encountered, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.RingBufferBytes == 0 {
		cfg.RingBufferBytes = defaultRingBufferBytes
	}
	if cfg.Report == "" {
		cfg.Report = ReportTaskSummary
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "-"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxFrames == 0 {
		cfg.MaxFrames = defaultMaxFrames
	}

	wanted := make(map[string]bool, len(cfg.Tracepoints)+4)
	for _, tp := range cfg.Tracepoints {
		wanted[tp] = true
	}
	wanted[TracepointPageAlloc] = true
	wanted[TracepointPageFree] = true
	if cfg.TrackSlab {
		wanted[TracepointCacheAlloc] = true
		wanted[TracepointCacheFree] = true
	}
	cfg.Tracepoints = cfg.Tracepoints[:0]
	for _, tp := range tracepointOrder {
		if wanted[tp] {
			cfg.Tracepoints = append(cfg.Tracepoints, tp)
		}
	}
}

// validate checks that all fields contain valid values, collecting every
// failure rather than stopping at the first.
func validate(cfg *Config) error {
	var errs []error

	if cfg.RingBufferBytes <= 0 || cfg.RingBufferBytes&(cfg.RingBufferBytes-1) != 0 {
		errs = append(errs, fmt.Errorf("ring_buffer_bytes must be a positive power of two, got %d", cfg.RingBufferBytes))
	}
	if !validReports[cfg.Report] {
		errs = append(errs, fmt.Errorf("report %q must be one of: task_summary, module_summary", cfg.Report))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.MaxFrames < 1 {
		errs = append(errs, fmt.Errorf("max_frames must be >= 1, got %d", cfg.MaxFrames))
	}
	if cfg.DebugAddr != "" && cfg.DebugToken == "" {
		errs = append(errs, errors.New("debug_token is required when debug_addr is set"))
	}
	for _, tp := range cfg.Tracepoints {
		if !validTracepoints[tp] {
			errs = append(errs, fmt.Errorf("tracepoints: %q is not a recognized tracepoint", tp))
		}
	}

	return errors.Join(errs...)
}
