package model_test

import (
	"strings"
	"testing"

	"github.com/spinup-dev/spinup/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
log:
  verbose: true
  format: json
fixtures:
  postgres:
    command:
      path: postgres
      args:
        - -D
        - /tmp/pgdata
      env:
        PGOPTIONS: "-c fsync=off"
    ready:
      output: "ready to accept connections"
      port: 5432
      timeout: "30s"
    capture_lines: 80
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg.Log)
	require.NotNil(t, cfg.Log.Verbose)
	require.True(t, *cfg.Log.Verbose)
	require.Equal(t, model.LogFormatJSON, *cfg.Log.Format)

	fx, ok := cfg.Fixtures["postgres"]
	require.True(t, ok)
	require.Equal(t, "postgres", fx.Command.Path)
	require.Equal(t, []string{"-D", "/tmp/pgdata"}, fx.Command.Args)
	require.Equal(t, "-c fsync=off", fx.Command.Env["PGOPTIONS"])
	require.NotNil(t, fx.Ready)
	require.Equal(t, "ready to accept connections", *fx.Ready.Output)
	require.Equal(t, 5432, *fx.Ready.Port)
	require.Equal(t, "30s", *fx.Ready.Timeout)
	require.NotNil(t, fx.CaptureLines)
	require.Equal(t, 80, *fx.CaptureLines)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("fixtures: {}\n"))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Version)
	require.Nil(t, cfg.Log)
	require.Empty(t, cfg.Fixtures)
}

func TestLoadConfig_Fail(t *testing.T) {
	cases := []struct {
		name string
		yml  string
	}{
		{
			name: "missing command path",
			yml: `
fixtures:
  redis:
    command:
      args: ["--port", "6379"]
`,
		},
		{
			name: "bad log format",
			yml: `
log:
  format: xml
fixtures: {}
`,
		},
		{
			name: "port out of range",
			yml: `
fixtures:
  redis:
    command:
      path: redis-server
    ready:
      port: 70000
`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			t.Logf("details: %+v", details)
		})
	}
}
