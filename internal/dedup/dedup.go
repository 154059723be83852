// Package dedup collapses the raw records of a language into one snapshot per identity:
// the record with the highest line is current, the earlier ones become its history.
package dedup

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"

	"github.com/leakpurge/leakpurge/internal/record"
)

// Source streams the records of one raw collection.
//
// Scan must deliver records grouped by identity, ascending by line within a group. Groups
// may come in any order. Returning an error from fn stops the scan and Scan returns it.
type Source interface {
	Scan(ctx context.Context, fn func(record.Record) error) error
}

var errStopped = errors.New("consumer stopped")

// Aggregate lazily folds the grouped stream of src into snapshots. A scan failure is
// yielded once, after which the sequence ends.
func Aggregate(ctx context.Context, src Source) iter.Seq2[record.Snapshot, error] {
	return func(yield func(record.Snapshot, error) bool) {
		var group []record.Record

		err := src.Scan(ctx, func(rec record.Record) error {
			if len(group) > 0 && group[0].Identity != rec.Identity {
				if !yield(snapshot(group), nil) {
					return errStopped
				}

				group = group[:0]
			}

			group = append(group, rec)

			return nil
		})

		switch {
		case errors.Is(err, errStopped):
			return
		case err != nil:
			yield(record.Snapshot{}, err)

			return
		case len(group) > 0:
			yield(snapshot(group), nil)
		}
	}
}

// Group is the in-memory form of Aggregate: records are ordered by line, then grouped by
// identity in order of first appearance.
func Group(records []record.Record) []record.Snapshot {
	ordered := byLine(records)

	var (
		order  []string
		groups = make(map[string][]record.Record)
	)

	for _, rec := range ordered {
		if _, ok := groups[rec.Identity]; !ok {
			order = append(order, rec.Identity)
		}

		groups[rec.Identity] = append(groups[rec.Identity], rec)
	}

	snapshots := make([]record.Snapshot, 0, len(order))
	for _, identity := range order {
		snapshots = append(snapshots, snapshot(groups[identity]))
	}

	return snapshots
}

// Records adapts an in-memory slice to a Source honouring the grouping contract.
func Records(records []record.Record) Source {
	return sliceSource(records)
}

type sliceSource []record.Record

func (s sliceSource) Scan(ctx context.Context, fn func(record.Record) error) error {
	ordered := byLine(s)

	first := make(map[string]int, len(ordered))
	for i, rec := range ordered {
		if _, ok := first[rec.Identity]; !ok {
			first[rec.Identity] = i
		}
	}

	slices.SortStableFunc(ordered, func(a, b record.Record) int {
		return cmp.Compare(first[a.Identity], first[b.Identity])
	})

	for _, rec := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

func byLine(records []record.Record) []record.Record {
	ordered := slices.Clone(records)
	slices.SortStableFunc(ordered, func(a, b record.Record) int {
		return cmp.Compare(a.Line, b.Line)
	})

	return ordered
}

// snapshot expects group ascending by line.
func snapshot(group []record.Record) record.Snapshot {
	last := len(group) - 1
	history := make([]record.Fields, 0, last)

	for _, rec := range group[:last] {
		history = append(history, strip(rec.Fields))
	}

	return record.Snapshot{
		Identity: group[last].Identity,
		Current:  strip(group[last].Fields),
		History:  history,
	}
}

func strip(fields record.Fields) record.Fields {
	out := fields.Clone()
	if out == nil {
		out = record.Fields{}
	}

	delete(out, record.LineKey)
	delete(out, record.HistoryKey)

	return out
}
