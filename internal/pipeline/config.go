package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"rtcont/internal/cleanup"
	"rtcont/internal/cont"
	"rtcont/internal/cpsstack"
)

// ConfigNames lists the file names FindConfig looks for, in order.
var ConfigNames = []string{"rtcont.toml", "rtcont.yaml", "rtcont.yml"}

// Config selects and parameterizes the passes of a run.
type Config struct {
	// Passes are run in order. Names must come from Passes().
	Passes []string `toml:"passes" yaml:"passes"`
	// Verify validates the module after every pass.
	Verify bool `toml:"verify" yaml:"verify"`
	// Jobs bounds how many files are processed at once; 0 uses GOMAXPROCS.
	Jobs int `toml:"jobs" yaml:"jobs"`

	Stack   StackConfig   `toml:"stack" yaml:"stack"`
	Cleanup CleanupConfig `toml:"cleanup" yaml:"cleanup"`
}

// StackConfig configures lower-cps-stack.
type StackConfig struct {
	// Backing is "scratch" or "global".
	Backing string `toml:"backing" yaml:"backing"`
}

// CleanupConfig configures cleanup-continuations.
type CleanupConfig struct {
	// StateRegisters is the number of continuation state words kept in
	// registers.
	StateRegisters uint32 `toml:"state_registers" yaml:"state_registers"`
}

// DefaultConfig runs every pass in the standard order.
func DefaultConfig() Config {
	return Config{
		Passes:  DefaultPasses(),
		Verify:  true,
		Stack:   StackConfig{Backing: "scratch"},
		Cleanup: CleanupConfig{StateRegisters: cleanup.DefaultOptions().StateRegisterCount},
	}
}

// Validate checks pass names and option values.
func (c Config) Validate() error {
	var errs []error
	if len(c.Passes) == 0 {
		errs = append(errs, errors.New("no passes selected"))
	}
	for _, name := range c.Passes {
		if _, ok := Lookup(name); !ok {
			errs = append(errs, fmt.Errorf("unknown pass %q", name))
		}
	}
	if dup := lo.FindDuplicates(c.Passes); len(dup) > 0 {
		errs = append(errs, fmt.Errorf("passes listed more than once: %s", strings.Join(dup, ", ")))
	}
	if _, err := c.stackOptions(); err != nil {
		errs = append(errs, err)
	}
	if c.Jobs < 0 {
		errs = append(errs, fmt.Errorf("jobs must not be negative, got %d", c.Jobs))
	}
	if len(errs) > 0 {
		return fmt.Errorf("pipeline: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) stackOptions() (cpsstack.Options, error) {
	opts := cpsstack.DefaultOptions()
	switch strings.ToLower(strings.TrimSpace(c.Stack.Backing)) {
	case "", "scratch":
		opts.BackingAddrSpace = cont.AddrSpaceScratch
	case "global":
		opts.BackingAddrSpace = cont.AddrSpaceGlobal
	default:
		return opts, fmt.Errorf("stack backing %q (expected: scratch|global)", c.Stack.Backing)
	}
	return opts, nil
}

func (c Config) cleanupOptions() cleanup.Options {
	return cleanup.Options{StateRegisterCount: c.Cleanup.StateRegisters}
}

// LoadConfig reads a TOML or YAML config file on top of DefaultConfig.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := lo.Map(undecoded, func(k toml.Key, _ int) string { return k.String() })
			return cfg, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%s: failed to parse YAML: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("%s: unsupported config format (expected .toml, .yaml or .yml)", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FindConfig walks up from startDir to the first directory holding one of
// ConfigNames.
func FindConfig(startDir string) (path string, ok bool, err error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		for _, name := range ConfigNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true, nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}
