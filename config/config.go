// Package config reads the machine configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the parameters of a machine and of the tools around it.
type Config struct {
	NumCores       int
	MemoryMiB      uint64
	TLBSets        int
	TLBWays        int
	FlushThreshold uint64
	KernelSlots    int
	MonitorPort    int
	Monitor        bool
	RecordPath     string
	LogFaults      bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		NumCores:       4,
		MemoryMiB:      64,
		TLBSets:        16,
		TLBWays:        4,
		FlushThreshold: 32,
		KernelSlots:    4,
	}
}

// Load reads the .env file at path, if it exists, and then the VMCORE_*
// environment variables. Variables already in the environment win over the
// file. An empty path means ".env".
func Load(path string) (Config, error) {
	if path == "" {
		path = ".env"
	}

	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading %s: %w", path, err)
	}

	return FromEnv(os.LookupEnv)
}

// FromEnv builds a configuration from the variables lookup finds.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.int("VMCORE_CORES", &c.NumCores)
	p.uint("VMCORE_MEMORY_MIB", &c.MemoryMiB)
	p.int("VMCORE_TLB_SETS", &c.TLBSets)
	p.int("VMCORE_TLB_WAYS", &c.TLBWays)
	p.uint("VMCORE_FLUSH_THRESHOLD", &c.FlushThreshold)
	p.int("VMCORE_KERNEL_SLOTS", &c.KernelSlots)
	p.int("VMCORE_MONITOR_PORT", &c.MonitorPort)
	p.bool("VMCORE_MONITOR", &c.Monitor)
	p.bool("VMCORE_LOG_FAULTS", &c.LogFaults)

	if v, ok := lookup("VMCORE_RECORD"); ok {
		c.RecordPath = strings.TrimSpace(v)
	}

	if p.err != nil {
		return Config{}, p.err
	}

	return c, c.Validate()
}

// Validate checks that the values can build a machine.
func (c Config) Validate() error {
	switch {
	case c.NumCores <= 0:
		return fmt.Errorf("config: %d cores", c.NumCores)
	case c.MemoryMiB == 0:
		return errors.New("config: no memory")
	case c.TLBSets <= 0 || c.TLBWays <= 0:
		return fmt.Errorf("config: TLB of %d sets and %d ways", c.TLBSets, c.TLBWays)
	case c.KernelSlots <= 0:
		return fmt.Errorf("config: %d kernel slots", c.KernelSlots)
	}

	return nil
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(name string) (string, bool) {
	if p.err != nil {
		return "", false
	}

	v, ok := p.lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}

	return strings.TrimSpace(v), true
}

func (p *parser) int(name string, dst *int) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("config: %s=%q: %w", name, v, err)
		return
	}

	*dst = n
}

func (p *parser) uint(name string, dst *uint64) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		p.err = fmt.Errorf("config: %s=%q: %w", name, v, err)
		return
	}

	*dst = n
}

func (p *parser) bool(name string, dst *bool) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("config: %s=%q: %w", name, v, err)
		return
	}

	*dst = b
}
