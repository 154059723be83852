package parser

import (
	"context"
	"log/slog"
	"time"
)

// match runs the compiled matcher under the configured time budget. A timeout counts as a
// non-match; a cancelled context is returned as its error.
func (p *Parser) match(ctx context.Context, line string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.opts.MatchTimeout <= 0 {
		return p.compiled.Match(line), nil
	}

	done := make(chan map[string]string, 1)

	go func() {
		done <- p.compiled.Match(line)
	}()

	timer := time.NewTimer(p.opts.MatchTimeout)
	defer timer.Stop()

	select {
	case values := <-done:
		return values, nil
	case <-timer.C:
		p.logger.Debug("line treated as unparsable",
			slog.String("error", ErrMatchTimeout.Error()),
			slog.Int("length", len(line)),
		)

		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
