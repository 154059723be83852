package parser

import (
	"context"

	"github.com/leakpurge/leakpurge/internal/record"
)

// Stats counts what a Session did with its lines.
type Stats struct {
	Lines     int64
	Records   int64
	Recovered int64
	Discarded int64
}

// Session threads one State through the lines of a single asset.
type Session struct {
	parser *Parser
	state  State
	stats  Stats
}

// NewSession starts a CLEAN session on p.
func (p *Parser) NewSession() *Session {
	return &Session{parser: p}
}

// Next parses the line at intra-asset index and returns the record it completed, if any.
func (s *Session) Next(ctx context.Context, index int64, line string) (*record.Record, error) {
	s.stats.Lines++

	next, res, err := s.parser.Parse(ctx, s.state, index, line)
	s.state = next

	if err != nil {
		return nil, err
	}

	s.count(res)

	return res.Record, nil
}

// Finish closes the session, accounting for a fragment left pending.
func (s *Session) Finish() Stats {
	s.count(s.parser.Finish(s.state))
	s.state = State{}

	return s.stats
}

// State returns the current recovery state.
func (s *Session) State() State {
	return s.state
}

// Stats returns the counters so far.
func (s *Session) Stats() Stats {
	return s.stats
}

func (s *Session) count(res Result) {
	if res.Record != nil {
		s.stats.Records++
	}

	if res.Recovered {
		s.stats.Recovered++
	}

	if res.Discarded {
		s.stats.Discarded++
	}
}
