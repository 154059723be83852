// Package record defines the documents produced by the line parser and the dedup aggregator.
package record

import (
	"encoding/json"
	"maps"
)

// Reserved document keys. Schemas may not declare fields with these names.
const (
	LineKey    = "line"
	HistoryKey = "history"
)

type (
	// Fields maps kept schema field names to coerced values:
	// string, int64, time.Time or nil (plus json.Number/string once read back from a store).
	Fields map[string]any

	// Record is one parsed profile. Line is globally unique within a language run
	// (asset bias + intra-asset index); Identity is the string form of the identity field,
	// empty when the field was absent.
	Record struct {
		Line     int64
		Identity string
		Fields   Fields
	}

	// Snapshot is the latest record of an identity plus every earlier record of it,
	// ascending by line. History is empty, never nil, when the identity appeared once.
	Snapshot struct {
		Identity string
		Current  Fields
		History  []Fields
	}
)

// MarshalJSON renders the record as a flat document carrying its line.
func (r Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Fields)+1)
	maps.Copy(doc, r.Fields)
	doc[LineKey] = r.Line

	return json.Marshal(doc)
}

// Document returns the snapshot as it is persisted: current fields with a history array.
func (s Snapshot) Document() map[string]any {
	doc := make(map[string]any, len(s.Current)+1)
	maps.Copy(doc, s.Current)

	history := s.History
	if history == nil {
		history = []Fields{}
	}

	doc[HistoryKey] = history

	return doc
}

// MarshalJSON renders Document.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

// Clone returns a copy of f. Values are shared; they are immutable scalars.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}

	return maps.Clone(f)
}
