// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const (
	// HeapGo obtains node memory from the Go runtime.
	HeapGo = "go"
	// HeapMmap obtains node memory from anonymous memory mappings.
	HeapMmap = "mmap"
)

var supportedHeaps = []string{HeapGo, HeapMmap}

// Config is the embedder-facing configuration of a Runtime.
type Config struct {
	BoundarySize     flagext.Bytes `yaml:"boundary_size"`
	MinAllocSize     flagext.Bytes `yaml:"min_alloc_size"`
	ThreadSafe       bool          `yaml:"thread_safe"`
	Heap             string        `yaml:"heap"`
	DebugAllocations bool          `yaml:"debug_allocations"`
}

// RegisterFlags registers the config flags with their defaults.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix(f, "arena.")
}

// RegisterFlagsWithPrefix registers the config flags under prefix.
func (cfg *Config) RegisterFlagsWithPrefix(f *flag.FlagSet, prefix string) {
	cfg.BoundarySize = flagext.Bytes(DefaultBoundarySize)
	f.Var(&cfg.BoundarySize, prefix+"boundary-size", "Granularity node sizes are rounded up to.")
	cfg.MinAllocSize = flagext.Bytes(DefaultMinAllocSize)
	f.Var(&cfg.MinAllocSize, prefix+"min-alloc-size", "Size of the smallest node an allocator hands out. At least twice the boundary size.")
	f.BoolVar(&cfg.ThreadSafe, prefix+"thread-safe", true, "Serialize the root allocator's free lists and the root pool's child list.")
	f.StringVar(&cfg.Heap, prefix+"heap", HeapGo, fmt.Sprintf("Where node memory comes from. Supported values: %s.", strings.Join(supportedHeaps, ", ")))
	f.BoolVar(&cfg.DebugAllocations, prefix+"debug-allocations", false, "Make every pool allocation a separate heap block, for memory checkers.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.BoundarySize < alignment {
		return fmt.Errorf("boundary size must be at least %d bytes, got: %d", alignment, cfg.BoundarySize)
	}
	if cfg.BoundarySize&(cfg.BoundarySize-1) != 0 {
		return fmt.Errorf("boundary size must be a power of two, got: %d", cfg.BoundarySize)
	}
	if cfg.MinAllocSize < 2*cfg.BoundarySize {
		return fmt.Errorf("min alloc size must be at least twice the boundary size, got: %d", cfg.MinAllocSize)
	}
	if !slices.Contains(supportedHeaps, cfg.Heap) {
		return fmt.Errorf("unsupported heap: %q", cfg.Heap)
	}
	return nil
}

// AllocatorOptions turns the config into root allocator options.
func (cfg *Config) AllocatorOptions() []AllocatorOption {
	opts := []AllocatorOption{
		WithBoundarySize(int(cfg.BoundarySize)),
		WithMinAllocSize(int(cfg.MinAllocSize)),
	}
	if cfg.Heap == HeapMmap {
		opts = append(opts, WithHeap(MmapHeap{}))
	}
	return opts
}

// NewRuntime validates the config and builds a runtime from it.
func (cfg *Config) NewRuntime(logger log.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid arena config")
	}
	opts := []RuntimeOption{
		WithRuntimeLogger(logger),
		WithRegisterer(reg),
		WithRootAllocatorOptions(cfg.AllocatorOptions()...),
	}
	if !cfg.ThreadSafe {
		opts = append(opts, WithRootAllocatorOptions(withoutThreadSafe()))
	}
	if cfg.DebugAllocations {
		opts = append(opts, WithRootPoolOptions(WithDebugAllocations()))
	}
	return NewRuntime(opts...), nil
}

// LoadConfig parses YAML on top of the flag defaults.
func LoadConfig(data []byte) (Config, error) {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("arena", flag.ContinueOnError))

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "parse arena config")
	}
	return cfg, cfg.Validate()
}
