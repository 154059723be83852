// Package pipeline runs purge and process units over the selected languages.
//
// A purge unit ingests one language (or, fine-grained, one asset of it) into the language's
// raw collection. A process unit aggregates one raw collection into its parsed sibling. Units
// share nothing but the store; the unique line constraint is the only coordination between
// them.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/leakpurge/leakpurge/internal/config"
	"github.com/leakpurge/leakpurge/internal/ingestion"
	"github.com/leakpurge/leakpurge/internal/parser"
)

const (
	// DefaultBias separates the line numbers of consecutive assets of a language.
	DefaultBias int64 = 100_000_000

	defaultSource = "datasets"
)

// ErrInvalidSettings is returned by Settings.Validate.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings configures a purge or process run.
type Settings struct {
	// Source is the directory holding the LNG_Fullname datasets.
	Source string
	// Languages selects datasets by code or name; empty or "all" selects every one.
	Languages []string
	// Threshold is the ingestor batch size.
	Threshold int
	// Bias is multiplied by the asset index and added to every line number.
	Bias int64
	// Parallel runs units concurrently, at most Workers at a time.
	Parallel bool
	Workers  int
	// FineGrained makes every asset its own unit. It only applies to parallel runs.
	FineGrained bool
	Policy      ingestion.Policy
	// Strict turns parse failures into unit failures and stops scheduling new units after
	// the first failure.
	Strict bool
	// SkipFirstLine drops the first line of every asset but the first.
	SkipFirstLine bool
	// Wide includes uncompressed .txt assets.
	Wide bool
	// MatchTimeout bounds a single line match.
	MatchTimeout time.Duration
	// LegacyDateYear gives year-less dates year 4 instead of nil.
	LegacyDateYear bool
	// FlushRate caps batch flushes per second across all units; zero disables the cap.
	FlushRate float64
}

// LoadSettings reads the defaults from the environment.
func LoadSettings() Settings {
	return Settings{
		Source:         config.GetEnvStr("LEAKPURGE_SRC", defaultSource),
		Languages:      config.ParseCommaSeparatedList(config.GetEnvStr("LEAKPURGE_LANGS", "")),
		Threshold:      config.GetEnvInt("LEAKPURGE_THRESHOLD", ingestion.DefaultThreshold),
		Bias:           config.GetEnvInt64("LEAKPURGE_BIAS", DefaultBias),
		Parallel:       config.GetEnvBool("LEAKPURGE_PARALLEL", false),
		Workers:        config.GetEnvInt("LEAKPURGE_PROCESSES", runtime.NumCPU()),
		FineGrained:    config.GetEnvBool("LEAKPURGE_FINE_GRAINED", false),
		Policy:         ingestion.PolicyAbort,
		Strict:         config.GetEnvBool("LEAKPURGE_STRICT", false),
		SkipFirstLine:  config.GetEnvBool("LEAKPURGE_SKIP_FIRST_LINE", false),
		Wide:           config.GetEnvBool("LEAKPURGE_WIDE", false),
		MatchTimeout:   config.GetEnvDuration("LEAKPURGE_MATCH_TIMEOUT", parser.DefaultMatchTimeout),
		LegacyDateYear: config.GetEnvBool("LEAKPURGE_LEGACY_DATE_YEAR", false),
		FlushRate:      config.GetEnvFloat("LEAKPURGE_FLUSH_RATE", 0),
	}
}

// Validate checks the settings for values no run can work with.
func (s Settings) Validate() error {
	var errs []error

	if s.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("threshold must be positive, got %d", s.Threshold))
	}

	if s.Bias <= 0 {
		errs = append(errs, fmt.Errorf("bias must be positive, got %d", s.Bias))
	}

	if s.Parallel && s.Workers <= 0 {
		errs = append(errs, fmt.Errorf("processes must be positive, got %d", s.Workers))
	}

	if s.FlushRate < 0 {
		errs = append(errs, fmt.Errorf("flush rate must not be negative, got %g", s.FlushRate))
	}

	if _, err := ingestion.ParsePolicy(string(s.Policy)); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}

	return nil
}

// LogValue renders the settings as one log group, printed when a run starts.
func (s Settings) LogValue() slog.Value {
	langs := strings.Join(s.Languages, " ")
	if langs == "" {
		langs = "all"
	}

	return slog.GroupValue(
		slog.String("source", s.Source),
		slog.String("languages", langs),
		slog.Int("threshold", s.Threshold),
		slog.Int64("bias", s.Bias),
		slog.Bool("parallel", s.Parallel),
		slog.Int("processes", s.Workers),
		slog.Bool("fine_grained", s.fineGrained()),
		slog.String("policy", string(s.Policy)),
		slog.Bool("strict", s.Strict),
		slog.Bool("skip_first_line", s.SkipFirstLine),
		slog.Bool("wide", s.Wide),
		slog.Duration("match_timeout", s.MatchTimeout),
	)
}

// limiter builds the flush limiter shared by every unit of a run.
func (s Settings) limiter() *rate.Limiter {
	if s.FlushRate <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(s.FlushRate), 1)
}

func (s Settings) fineGrained() bool {
	return s.Parallel && s.FineGrained
}
