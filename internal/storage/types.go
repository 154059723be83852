// Package storage keeps raw and parsed collections in a document store.
//
// A collection is named after the dataset it holds (ITA_Italia). Raw collections store one
// document per parsed line, unique on the line number; parsed collections store one
// snapshot per identity under the same name with a _parsed suffix.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/leakpurge/leakpurge/internal/dedup"
	"github.com/leakpurge/leakpurge/internal/ingestion"
	"github.com/leakpurge/leakpurge/internal/record"
)

const (
	// ParsedSuffix marks the collection holding the snapshots of a raw collection.
	ParsedSuffix = "_parsed"

	// LineKey is the unique key of raw collections.
	LineKey = record.LineKey
	// IdentityKey is the unique key of parsed collections.
	IdentityKey = "identity"
)

var (
	// ErrInvalidCollectionName is returned for names that are not LNG_Fullname.
	ErrInvalidCollectionName = errors.New("invalid collection name")
	// ErrUnsupportedKey is returned when a unique index is requested on an unknown attribute.
	ErrUnsupportedKey = errors.New("unsupported unique key")
	// ErrCollectionNotFound is returned when reading a collection that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	collectionNameRegex = regexp.MustCompile(`^[A-Z]{3}(_[A-Za-z]+)+$`)
)

type (
	// RawCollection receives parsed records and serves them back grouped for dedup.
	RawCollection interface {
		ingestion.Sink[record.Record]
		dedup.Source
		Count(ctx context.Context) (int64, error)
	}

	// ParsedCollection receives snapshots.
	ParsedCollection interface {
		ingestion.Sink[record.Snapshot]
		Count(ctx context.Context) (int64, error)
		Lookup(ctx context.Context, identity string) (record.Snapshot, bool, error)
	}

	// Store hands out collections of one destination.
	Store interface {
		Raw(name string) (RawCollection, error)
		Parsed(name string) (ParsedCollection, error)
		Collections(ctx context.Context) ([]CollectionInfo, error)
		HealthCheck(ctx context.Context) error
		Close() error
	}

	// CollectionInfo describes one collection found in a destination.
	CollectionInfo struct {
		// Name is the dataset name, without the _parsed suffix.
		Name   string
		Parsed bool
	}
)

// ValidateCollectionName checks that name follows LNG_Fullname.
func ValidateCollectionName(name string) error {
	if !collectionNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}

	return nil
}

// ParsedName returns the name of the collection holding the snapshots of name.
func ParsedName(name string) string {
	return name + ParsedSuffix
}

// classify maps a physical collection name to CollectionInfo; ok is false for tables that
// are not collections.
func classify(table string) (CollectionInfo, bool) {
	if base, found := strings.CutSuffix(table, ParsedSuffix); found && collectionNameRegex.MatchString(base) {
		return CollectionInfo{Name: base, Parsed: true}, true
	}

	if collectionNameRegex.MatchString(table) {
		return CollectionInfo{Name: table}, true
	}

	return CollectionInfo{}, false
}

// Languages returns the names of the raw (parsed=false) or parsed collections, in order.
func Languages(infos []CollectionInfo, parsed bool) []string {
	var names []string

	for _, info := range infos {
		if info.Parsed == parsed {
			names = append(names, info.Name)
		}
	}

	return names
}
