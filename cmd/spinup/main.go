package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/spinup-dev/spinup/internal/log"
	"github.com/spinup-dev/spinup/internal/loop"
	"github.com/spinup-dev/spinup/internal/model"
	"github.com/spinup-dev/spinup/internal/portwait"
	"github.com/spinup-dev/spinup/internal/service"
)

var (
	userConfigPath string // /default/config/path/spinup on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "spinup")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is spinup.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initSpinup

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("spinup failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "spinup",
	Short:        "Spawn a service and wait until it is ready to use",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [fixture]",
	Short: "run spawns the named fixture and keeps it up until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "ports lists local TCP listening ports",
	RunE:  doPorts,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of spinup",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("spinup: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("spinup: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]
	if _, ok := config.Fixtures[name]; !ok {
		return fmt.Errorf("no fixture %q in %s", name, configPath)
	}

	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", configPath, err)
	}
	spec, err := service.ParseSpec("fixtures." + name)
	if err != nil {
		return fmt.Errorf("parsing fixture %q: %w", name, err)
	}

	ctx = log.ContextAttrs(ctx,
		slog.Group("spinup",
			slog.String("cmd", "run"),
			slog.String("fixture", name),
			slog.Int("pid", os.Getpid()),
		))

	l := loop.New()
	if err := l.Start(); err != nil {
		return err
	}
	defer func() {
		_ = l.Stop(5 * time.Second)
	}()

	sup := service.NewSupervisor(l, spec)
	if err := sup.Start(ctx); err != nil {
		_ = sup.Stop(10 * time.Second)
		return err
	}
	slog.InfoContext(ctx, "fixture ready, interrupt to stop")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		slog.InfoContext(ctx, "interrupted, stopping fixture")
	case <-sup.Done():
		code, _ := sup.ExitCode()
		slog.WarnContext(ctx, "fixture exited on its own", "exit_code", code)
	}
	return sup.Stop(10 * time.Second)
}

func doPorts(cmd *cobra.Command, args []string) error {
	ports, err := portwait.ListeningPorts()
	if err != nil {
		return err
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Port() != ports[j].Port() {
			return ports[i].Port() < ports[j].Port()
		}
		return ports[i].Addr().Less(ports[j].Addr())
	})
	for _, ap := range ports {
		fmt.Println(ap.String())
	}
	return nil
}

func initSpinup(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SPINUPCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "spinup.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "spinup.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("problem"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	verbose := flagVerbose
	json := false
	if config.Log != nil {
		if config.Log.Verbose != nil && *config.Log.Verbose {
			verbose = true
		}
		if config.Log.Format != nil && *config.Log.Format == model.LogFormatJSON {
			json = true
		}
	}
	slog.SetDefault(log.New(os.Stderr, verbose, json))

	slog.Debug("spinup run", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
