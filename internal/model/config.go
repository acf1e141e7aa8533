package model

import (
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Log format enum values.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the top level spinup configuration.
type Config struct {
	Version  int                `json:"version" yaml:"version"` // fixed 0 for now
	Log      *Log               `json:"log,omitempty" yaml:"log,omitempty"`
	Fixtures map[string]Fixture `json:"fixtures,omitempty" yaml:"fixtures,omitempty"`
}

// Log output settings.
type Log struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Format  *string `json:"format,omitempty" yaml:"format,omitempty"` // "text" | "json"
}

// Fixture describes one supervised service.
type Fixture struct {
	Command      Command `json:"command" yaml:"command"`
	Ready        *Ready  `json:"ready,omitempty" yaml:"ready,omitempty"`
	CaptureLines *int    `json:"capture_lines,omitempty" yaml:"capture_lines,omitempty"`
}

// Command is the process to spawn.
type Command struct {
	Path string            `json:"path" yaml:"path"`
	Args []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Dir  *string           `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Ready describes when the service counts as up. All fields optional,
// an absent block means minimum uptime only. Durations use Go syntax,
// e.g. "30s".
type Ready struct {
	Format    *string `json:"format,omitempty" yaml:"format,omitempty"`
	Output    *string `json:"output,omitempty" yaml:"output,omitempty"`
	Port      *int    `json:"port,omitempty" yaml:"port,omitempty"`
	Host      *string `json:"host,omitempty" yaml:"host,omitempty"`
	Timeout   *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MinUptime *string `json:"min_uptime,omitempty" yaml:"min_uptime,omitempty"`
}

// DefaultConfig is the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Version:  0,
		Fixtures: map[string]Fixture{},
	}
}

// LoadConfig validates YAML from r against the CUE schema and decodes
// it into a Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}
