package service

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type specConfig struct {
	Command struct {
		Path string            `mapstructure:"path"`
		Args []string          `mapstructure:"args"`
		Dir  string            `mapstructure:"dir"`
		Env  map[string]string `mapstructure:"env"`
	} `mapstructure:"command"`
	Ready struct {
		Format    string        `mapstructure:"format"`
		Output    string        `mapstructure:"output"`
		Port      int           `mapstructure:"port"`
		Host      string        `mapstructure:"host"`
		Timeout   time.Duration `mapstructure:"timeout"`
		MinUptime time.Duration `mapstructure:"min_uptime"`
	} `mapstructure:"ready"`
	CaptureLines int `mapstructure:"capture_lines"`
}

// ParseSpec loads the service description under key from the viper
// configuration. Values like "$PGDATA" in the env block expand from the
// parent environment.
func ParseSpec(key string) (Spec, error) {
	var c specConfig
	if err := viper.UnmarshalKey(key, &c); err != nil {
		return Spec{}, err
	}
	env := make(map[string]string, len(c.Command.Env))
	for k, v := range c.Command.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env[strings.ToUpper(k)] = v
	}
	spec := Spec{
		Command:      c.Command.Path,
		Args:         c.Command.Args,
		Dir:          c.Command.Dir,
		Env:          env,
		Format:       c.Ready.Format,
		Output:       c.Ready.Output,
		Port:         c.Ready.Port,
		Host:         c.Ready.Host,
		Timeout:      c.Ready.Timeout,
		MinUptime:    c.Ready.MinUptime,
		CaptureLines: c.CaptureLines,
	}
	return spec.withDefaults(), nil
}
