package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/leakpurge/leakpurge/internal/config"
)

// envPrefix prefixes the environment variable of every flag: --match-timeout is read from
// LEAKPURGE_MATCH_TIMEOUT.
const envPrefix = "LEAKPURGE"

// globalOptions holds the flags shared by every subcommand.
type globalOptions struct {
	DatabaseURL    string
	DBName         string
	LogLevel       string
	KafkaBrokers   []string
	KafkaTopic     string
	PushGatewayURL string
	PushGatewayJob string
}

// NewRootCommand builds the leakpurge command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{}

	rc := &cobra.Command{
		Use:   name,
		Short: "Ingest leak dumps into a document store and deduplicate them.",
		Long: `leakpurge reads per-language leak dumps, parses every line against the schema
of its language and stores the records in one raw collection per language (purge).
Raw collections are then merged into one snapshot per person (process).

Every flag can also be set through LEAKPURGE_<FLAG> environment variables or a
configuration file passed with --config.

` + name + " v" + version + "\n",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setAllConfig(viper.New(), cmd.Flags())
		},
	}

	flags := rc.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file to read from (YAML, TOML or JSON).")
	flags.StringVar(&g.DatabaseURL, "database-url", config.GetEnvStr("DATABASE_URL", ""), "PostgreSQL connection string.")
	flags.StringVarP(&g.DBName, "dbname", "d", "fbl", "Destination schema holding the collections.")
	flags.StringVar(&g.LogLevel, "log-level", config.GetEnvStr("LOG_LEVEL", "info"), "debug, info, warn or error.")
	flags.StringSliceVar(&g.KafkaBrokers, "kafka-brokers", nil, "Kafka brokers receiving unit reports; none disables publishing.")
	flags.StringVar(&g.KafkaTopic, "kafka-topic", "leakpurge.units", "Kafka topic for unit reports.")
	flags.StringVar(&g.PushGatewayURL, "pushgateway-url", "", "Prometheus Pushgateway receiving run metrics; empty disables pushing.")
	flags.StringVar(&g.PushGatewayJob, "pushgateway-job", "leakpurge", "Pushgateway job name.")

	rc.AddCommand(newPurgeCommand(stdin, stdout, stderr, g))
	rc.AddCommand(newProcessCommand(stdin, stdout, stderr, g))
	rc.AddCommand(newLangsCommand(stdin, stdout, stderr, g))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	rc.SetIn(stdin)

	return rc
}

// logger builds the JSON logger of a command run. Logs go to stderr so that listings on
// stdout stay machine readable.
func (g *globalOptions) logger(stderr io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", g.LogLevel, err)
	}

	return slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})), nil
}

// setAllConfig takes a FlagSet to be the definition of all configuration options, as well
// as their defaults. It then reads from the command line, the environment, and a config
// file (if specified), and applies the configuration in that priority order.
//
// Environment variables are the flag names upper-cased, dashes replaced by underscores and
// prefixed with LEAKPURGE_.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)

	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)

		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %w", c, err)
		}

		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error

	flags.VisitAll(func(f *pflag.Flag) {
		// The command line wins, and setting a changed slice flag again would append to it.
		if flagErr != nil || f.Changed {
			return
		}

		var value string

		if f.Value.Type() == "stringSlice" {
			// A list from a config file is not a comma separated string.
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}

		flagErr = f.Value.Set(value)
	})

	return flagErr
}
