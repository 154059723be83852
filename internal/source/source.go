// Package source discovers dump datasets on disk and reads their assets line by line.
//
// A dataset is a directory named LNG_Fullname (ITA_Italia) whose assets are numbered files
// (0.bz2, 1.bz2, ...). The language code is the part of the name before the first
// underscore.
package source

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// AllLanguages selects every dataset.
const AllLanguages = "all"

var (
	// ErrNotADirectory is returned when the dataset root is not a directory.
	ErrNotADirectory = errors.New("datasets path is not a directory")
	// ErrDatasetName is returned for dataset directories not named LNG_Fullname.
	ErrDatasetName = errors.New("dataset directory is not named LNG_Fullname")
	// ErrLanguageNotFound is returned when a requested language has no dataset.
	ErrLanguageNotFound = errors.New("dataset language not found")
)

// Format is the compression of an asset.
type Format int

const (
	FormatPlain Format = iota
	FormatBzip2
	FormatGzip
	FormatZstd
)

var formatsByExt = map[string]Format{
	".bz2": FormatBzip2,
	".gz":  FormatGzip,
	".zst": FormatZstd,
	".txt": FormatPlain,
}

type (
	// Dataset is one language directory.
	Dataset struct {
		// Name is the directory name, also the name of its collections.
		Name string
		// Code is the language code used for schema lookup.
		Code string
		Dir  string
	}

	// Asset is one file of a dataset.
	Asset struct {
		// Index is the position of the asset within its dataset; it drives the line bias.
		Index  int
		Name   string
		Path   string
		Format Format
	}

	// Options tunes asset discovery.
	Options struct {
		// Wide includes uncompressed .txt assets.
		Wide bool
	}
)

func (f Format) String() string {
	switch f {
	case FormatBzip2:
		return "bzip2"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	default:
		return "plain"
	}
}

// Discover lists the datasets under root, sorted by name.
func Discover(root string) ([]Dataset, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotADirectory, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	var datasets []Dataset

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		code, _, ok := strings.Cut(entry.Name(), "_")
		if !ok || code == "" {
			return nil, fmt.Errorf("%w: %s", ErrDatasetName, entry.Name())
		}

		datasets = append(datasets, Dataset{
			Name: entry.Name(),
			Code: code,
			Dir:  filepath.Join(root, entry.Name()),
		})
	}

	// os.ReadDir already sorts by filename.
	return datasets, nil
}

// Select returns the datasets matching langs, compared case-insensitively with the
// language code or the full name. "all" selects every dataset. The result keeps the
// order of datasets and holds no duplicates.
func Select(datasets []Dataset, langs []string) ([]Dataset, error) {
	if len(langs) == 0 || slices.ContainsFunc(langs, func(l string) bool { return strings.EqualFold(l, AllLanguages) }) {
		return datasets, nil
	}

	picked := make(map[string]bool, len(langs))

	for _, lang := range langs {
		i := slices.IndexFunc(datasets, func(d Dataset) bool {
			return strings.EqualFold(d.Code, lang) || strings.EqualFold(d.Name, lang)
		})
		if i == -1 {
			return nil, fmt.Errorf("%w: %s", ErrLanguageNotFound, lang)
		}

		picked[datasets[i].Name] = true
	}

	var out []Dataset

	for _, d := range datasets {
		if picked[d.Name] {
			out = append(out, d)
		}
	}

	return out, nil
}

// Assets lists the assets of d in numeric order of their base name. Names that are not
// numbers sort after the numbered ones, by name.
func (d Dataset) Assets(opts Options) ([]Asset, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", d.Name, err)
	}

	var assets []Asset

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		format, ok := formatsByExt[filepath.Ext(entry.Name())]
		if !ok || (format == FormatPlain && !opts.Wide) {
			continue
		}

		assets = append(assets, Asset{
			Name:   entry.Name(),
			Path:   filepath.Join(d.Dir, entry.Name()),
			Format: format,
		})
	}

	slices.SortStableFunc(assets, func(a, b Asset) int {
		an, aok := assetNumber(a.Name)
		bn, bok := assetNumber(b.Name)

		switch {
		case aok && bok && an != bn:
			return cmp.Compare(an, bn)
		case aok != bok:
			if aok {
				return -1
			}

			return 1
		default:
			return strings.Compare(a.Name, b.Name)
		}
	})

	for i := range assets {
		assets[i].Index = i
	}

	return assets, nil
}

func assetNumber(name string) (int, bool) {
	base, _, _ := strings.Cut(name, ".")

	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}

	return n, true
}
