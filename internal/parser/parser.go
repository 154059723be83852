// Package parser turns raw dump lines into records, re-joining lines that upstream
// corruption split in two.
//
// The recovery state is an explicit value: Parse takes the current State and returns the
// next one, so a caller owns exactly one State per asset and no parser state is shared.
//
//	CLEAN ──no match──▶ RECOVERING ──pending+line matches──▶ CLEAN
//	  ▲                     │  ▲
//	  └──line matches───────┘  └──still no match (pending grows, failures++)
//
// Too many consecutive failures either abort the asset (strict) or drop the pending
// fragment and start over (lenient).
package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leakpurge/leakpurge/internal/record"
	"github.com/leakpurge/leakpurge/internal/schema"
)

const (
	// MaxFailures is the number of consecutive unparsable lines tolerated before the
	// pending fragment is considered unalignable.
	MaxFailures = 10

	// DefaultMatchTimeout bounds a single match attempt.
	DefaultMatchTimeout = 2 * time.Second

	// LegacyYear is the year given to dates without one when LegacyDateYear is set.
	// It is a leap year so that 2/29 stays representable.
	LegacyYear = 4
)

var (
	// ErrRecoveryBudgetExceeded is returned in strict mode after more than MaxFailures
	// consecutive unparsable lines.
	ErrRecoveryBudgetExceeded = errors.New("too many consecutive unparsable lines")
	// ErrUnparsableLine is returned in strict mode when a pending fragment is abandoned
	// because the following line parsed on its own.
	ErrUnparsableLine = errors.New("unparsable line")
	// ErrCoercion is returned in strict mode when a matched value cannot be converted
	// to its declared type.
	ErrCoercion = errors.New("value coercion failed")
	// ErrMatchTimeout marks a match attempt that exceeded the time budget. It is
	// treated as a non-match and never returned by Parse.
	ErrMatchTimeout = errors.New("match timed out")
)

type (
	// State is the per-asset recovery state. The zero value is CLEAN.
	State struct {
		Pending    string
		Recovering bool
		Failures   int
	}

	// Options configures a Parser.
	Options struct {
		// Strict turns recovery failures and coercion errors into errors.
		Strict bool
		// Bias is added to every index to form the record's global line number.
		Bias int64
		// MatchTimeout bounds each match; zero or negative disables the budget.
		MatchTimeout time.Duration
		// LegacyDateYear gives year-less dates the year LegacyYear instead of nil.
		LegacyDateYear bool
		// Language and Asset decorate log lines.
		Language string
		Asset    string
		Logger   *slog.Logger
	}

	// Result is the outcome of one Parse call.
	Result struct {
		// Record is nil when the line was buffered or dropped.
		Record *record.Record
		// Recovered is set when Record was built from a pending fragment plus the line.
		Recovered bool
		// RecoveredIndex is the index of the line that started the recovery.
		RecoveredIndex int64
		// Discarded is set when a pending fragment was dropped.
		Discarded bool
	}

	// Parser applies a compiled schema to lines. It holds no per-asset state and is safe
	// for concurrent use.
	Parser struct {
		compiled *schema.Compiled
		kept     []schema.FieldSpec
		opts     Options
		logger   *slog.Logger
	}
)

// Clean reports whether no fragment is pending.
func (s State) Clean() bool {
	return !s.Recovering
}

// New builds a parser for compiled.
func New(compiled *schema.Compiled, opts Options) *Parser {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Parser{
		compiled: compiled,
		kept:     compiled.Schema().KeptFields(),
		opts:     opts,
		logger: logger.With(
			slog.String("language", opts.Language),
			slog.String("asset", opts.Asset),
		),
	}
}

// Parse feeds one physical line at intra-asset index into the state machine. A cancelled
// ctx returns its error with st unchanged.
func (p *Parser) Parse(ctx context.Context, st State, index int64, line string) (State, Result, error) {
	if st.Clean() {
		values, err := p.match(ctx, line)
		if err != nil {
			return st, Result{}, err
		}

		if values != nil {
			rec, err := p.build(values, index)
			if err != nil {
				return State{}, Result{}, err
			}

			return State{}, Result{Record: rec}, nil
		}

		return p.fail(State{Pending: line, Recovering: true, Failures: st.Failures + 1}, index)
	}

	joined := st.Pending + line

	values, err := p.match(ctx, joined)
	if err != nil {
		return st, Result{}, err
	}

	if values != nil {
		rec, err := p.build(values, index)
		if err != nil {
			return State{}, Result{}, err
		}

		p.logger.Warn("recovered line split across physical lines",
			slog.Int64("index", p.opts.Bias+index-1),
			slog.Int("failures", st.Failures),
		)

		return State{}, Result{Record: rec, Recovered: true, RecoveredIndex: index - 1}, nil
	}

	// The line stands on its own: whatever was pending is not a prefix of it.
	values, err = p.match(ctx, line)
	if err != nil {
		return st, Result{}, err
	}

	if values != nil {
		if p.opts.Strict {
			p.logger.Error("failed parsing line", slog.Int64("index", p.opts.Bias+index-1))

			return st, Result{}, fmt.Errorf("%w: %s line before index %d", ErrUnparsableLine, p.opts.Language, p.opts.Bias+index)
		}

		p.logger.Warn("failed parsing line, fragment discarded", slog.Int64("index", p.opts.Bias+index-1))

		rec, err := p.build(values, index)
		if err != nil {
			return State{}, Result{}, err
		}

		return State{}, Result{Record: rec, Discarded: true}, nil
	}

	return p.fail(State{Pending: joined, Recovering: true, Failures: st.Failures + 1}, index)
}

// Finish reports a fragment still pending at the end of an asset. Such a fragment is
// usually the head of a profile continued in the next asset.
func (p *Parser) Finish(st State) Result {
	if st.Clean() {
		return Result{}
	}

	p.logger.Warn("asset ended with an unterminated line", slog.Int("failures", st.Failures))

	return Result{Discarded: true}
}

func (p *Parser) fail(st State, index int64) (State, Result, error) {
	if st.Failures <= MaxFailures {
		return st, Result{}, nil
	}

	if p.opts.Strict {
		p.logger.Error("too many lines failed", slog.Int("failures", st.Failures), slog.Int64("index", p.opts.Bias+index))

		return st, Result{}, fmt.Errorf("%w: %d at index %d", ErrRecoveryBudgetExceeded, st.Failures, p.opts.Bias+index)
	}

	p.logger.Warn("subsequent failures, dropping pending fragment",
		slog.Int("failures", st.Failures),
		slog.Int64("index", p.opts.Bias+index),
	)

	return State{}, Result{Discarded: true}, nil
}

func (p *Parser) build(values map[string]string, index int64) (*record.Record, error) {
	line := p.opts.Bias + index
	fields := make(record.Fields, len(p.kept))

	for _, f := range p.kept {
		value, err := coerce(values[f.Name], f.Type, p.opts.LegacyDateYear)
		if err != nil {
			if p.opts.Strict {
				return nil, fmt.Errorf("%w: field %s at index %d: %w", ErrCoercion, f.Name, line, err)
			}

			p.logger.Warn("value stored as null",
				slog.String("field", f.Name),
				slog.Int64("index", line),
				slog.String("error", err.Error()),
			)

			value = nil
		}

		fields[f.Name] = value
	}

	identityField := p.compiled.Schema().Identity
	identity := identityOf(fields[identityField])

	// A lenient coercion failure must not fold the record into the null-identity group.
	if raw := values[identityField]; identity == "" && raw != "" {
		p.logger.Warn("identity kept as matched text",
			slog.String("field", identityField),
			slog.Int64("index", line),
		)

		identity = raw
	}

	return &record.Record{
		Line:     line,
		Identity: identity,
		Fields:   fields,
	}, nil
}

func identityOf(value any) string {
	if value == nil {
		return ""
	}

	return fmt.Sprint(value)
}
