// Package manifest handles goslang.toml runtime configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
)

// FileName is the name of the configuration file.
const FileName = "goslang.toml"

//go:embed schema.cue
var schemaSource string

// Manifest represents a goslang.toml configuration.
type Manifest struct {
	Runtime Runtime      `toml:"runtime" json:"runtime"`
	Log     LogConfig    `toml:"log" json:"log"`
	Server  ServerConfig `toml:"server" json:"server"`
	Store   StoreConfig  `toml:"store" json:"store"`

	// Dir is the directory containing the goslang.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Runtime configures the heap and scheduler.
type Runtime struct {
	HeapSize         int  `toml:"heap-size" json:"heap-size"`
	Timeslice        int  `toml:"timeslice" json:"timeslice"`
	GC               bool `toml:"gc" json:"gc"`
	DeadlockRetries  int  `toml:"deadlock-retries" json:"deadlock-retries"`
	Profile          bool `toml:"profile" json:"profile"`
	NormalizeStrings bool `toml:"normalize-strings" json:"normalize-strings"` // intern by NFC form
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// ServerConfig configures the run service.
type ServerConfig struct {
	Addr      string `toml:"addr" json:"addr"`
	GRPCAddr  string `toml:"grpc-addr" json:"grpc-addr"`
	ResultTTL string `toml:"result-ttl" json:"result-ttl"`
}

// StoreConfig configures run persistence. An empty path disables it.
type StoreConfig struct {
	Path string `toml:"path" json:"path"`
}

// Default returns the configuration used when no goslang.toml exists.
func Default() *Manifest {
	return &Manifest{
		Runtime: Runtime{
			HeapSize:        50000,
			Timeslice:       100,
			GC:              true,
			DeadlockRetries: 5,
		},
		Server: ServerConfig{
			Addr:      ":4567",
			GRPCAddr:  ":4568",
			ResultTTL: "30m",
		},
		Store: StoreConfig{
			Path: filepath.Join(".goslang", "runs.db"),
		},
	}
}

// Load parses a goslang.toml file from the given directory. Keys missing
// from the file keep their Default values.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a goslang.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the manifest against the embedded CUE schema.
func (m *Manifest) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))

	v := ctx.Encode(m)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ResultTTL returns how long the server keeps finished runs.
func (m *Manifest) ResultTTL() time.Duration {
	d, err := time.ParseDuration(m.Server.ResultTTL)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// StorePath returns the run database path, resolved against Dir. It is
// empty when persistence is disabled.
func (m *Manifest) StorePath() string {
	if m.Store.Path == "" || filepath.IsAbs(m.Store.Path) || m.Dir == "" {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}
