package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	runtimeconfig "missionloop/internal/shared/config"
	"missionloop/internal/shared/logging"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether both stdin and stdout are terminals.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MISSION")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	root := &cobra.Command{
		Use:   "missiond",
		Short: "Run autonomous missions through a reason-act-observe loop",
		Long: fmt.Sprintf(`%s

Missions are decomposed into tasks, decided step by step by a decision
provider and executed through registered tools. Runs can pause to ask a
question or to request approval and resume later in the same session.

%s
  missiond serve                          # HTTP API on :8080
  missiond run "rotate the api keys"      # run in-process, answer prompts
  missiond run --session session-123      # resume a paused session
  missiond cancel run-abc                 # cancel a run on a server
  missiond session show session-123       # print a stored conversation`,
			bold("missiond"), bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to the YAML config file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (console, json)")
	flags.String("store-driver", "", "Session store driver (sqlite, postgres)")
	flags.String("sqlite-path", "", "SQLite database path")
	flags.String("postgres-url", "", "Postgres connection URL")
	flags.String("redis-addr", "", "Redis address for event fan-out")
	flags.String("provider", "", "Decision provider (openai, scripted)")
	flags.String("script", "", "YAML script for the scripted provider")
	flags.String("model", "", "Model name for the openai provider")
	flags.Int("max-steps", 0, "Maximum reasoning steps per run")
	flags.Int("provider-retries", -1, "Retries after a failed decision call")

	root.AddCommand(newServeCommand(v))
	root.AddCommand(newRunCommand(v))
	root.AddCommand(newCancelCommand(v))
	root.AddCommand(newSessionCommand(v))
	return root
}

// loadConfig resolves the runtime config with flags as the highest layer.
func loadConfig(v *viper.Viper) (runtimeconfig.RuntimeConfig, error) {
	var overrides runtimeconfig.Overrides
	setString := func(key string, dst **string) {
		if v.IsSet(key) {
			if value := strings.TrimSpace(v.GetString(key)); value != "" {
				*dst = &value
			}
		}
	}
	setInt := func(key string, dst **int, min int) {
		if v.IsSet(key) {
			if value := v.GetInt(key); value >= min {
				*dst = &value
			}
		}
	}
	setString("log-level", &overrides.LogLevel)
	setString("log-format", &overrides.LogFormat)
	setString("store-driver", &overrides.StoreDriver)
	setString("sqlite-path", &overrides.SQLitePath)
	setString("postgres-url", &overrides.PostgresURL)
	setString("redis-addr", &overrides.RedisAddr)
	setString("provider", &overrides.Provider)
	setString("script", &overrides.ScriptPath)
	setString("model", &overrides.LLMModel)
	setString("http-addr", &overrides.HTTPAddr)
	setInt("max-steps", &overrides.MaxSteps, 1)
	setInt("provider-retries", &overrides.ProviderRetries, 0)
	if overrides.ScriptPath != nil && overrides.Provider == nil {
		scripted := runtimeconfig.ProviderScripted
		overrides.Provider = &scripted
	}

	opts := []runtimeconfig.Option{runtimeconfig.WithOverrides(overrides)}
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		opts = append(opts, runtimeconfig.WithConfigPath(path))
	}
	cfg, _, err := runtimeconfig.Load(opts...)
	if err != nil {
		return runtimeconfig.RuntimeConfig{}, err
	}
	logging.Configure(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})
	return cfg, nil
}
