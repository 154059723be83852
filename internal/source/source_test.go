package source

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func touch(t *testing.T, path string, data []byte) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func readAll(t *testing.T, a Asset) ([]string, string) {
	t.Helper()

	r, err := a.Open()
	require.NoError(t, err)

	defer func() { require.NoError(t, r.Close()) }()

	var lines []string

	for want := int64(0); ; want++ {
		index, line, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)
		assert.Equal(t, want, index)

		lines = append(lines, line)
	}

	return lines, r.Fingerprint()
}

func TestDiscover(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	root := t.TempDir()
	touch(t, filepath.Join(root, "USA_United_States", "0.bz2"), nil)
	touch(t, filepath.Join(root, "ITA_Italia", "0.bz2"), nil)
	touch(t, filepath.Join(root, "README"), nil)

	datasets, err := Discover(root)
	require.NoError(t, err)

	assert.Equal(t, []Dataset{
		{Name: "ITA_Italia", Code: "ITA", Dir: filepath.Join(root, "ITA_Italia")},
		{Name: "USA_United_States", Code: "USA", Dir: filepath.Join(root, "USA_United_States")},
	}, datasets)

	t.Run("badly named directory", func(t *testing.T) {
		touch(t, filepath.Join(root, "misc", "0.bz2"), nil)

		_, err := Discover(root)
		require.ErrorIs(t, err, ErrDatasetName)
	})

	t.Run("root is a file", func(t *testing.T) {
		_, err := Discover(filepath.Join(root, "README"))
		require.ErrorIs(t, err, ErrNotADirectory)
	})

	t.Run("root is missing", func(t *testing.T) {
		_, err := Discover(filepath.Join(root, "nope"))
		require.ErrorIs(t, err, ErrNotADirectory)
	})
}

func TestSelect(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	datasets := []Dataset{
		{Name: "DEU_Germany", Code: "DEU"},
		{Name: "ITA_Italia", Code: "ITA"},
		{Name: "USA_United_States", Code: "USA"},
	}

	tests := []struct {
		name  string
		langs []string
		want  []string
		err   error
	}{
		{name: "all", langs: []string{"all"}, want: []string{"DEU_Germany", "ITA_Italia", "USA_United_States"}},
		{name: "nothing means all", langs: nil, want: []string{"DEU_Germany", "ITA_Italia", "USA_United_States"}},
		{name: "by code case-insensitive", langs: []string{"usa", "ita"}, want: []string{"ITA_Italia", "USA_United_States"}},
		{name: "by full name", langs: []string{"DEU_Germany"}, want: []string{"DEU_Germany"}},
		{name: "duplicates collapse", langs: []string{"ITA", "ITA_Italia"}, want: []string{"ITA_Italia"}},
		{name: "unknown", langs: []string{"FRA"}, err: ErrLanguageNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(datasets, tt.langs)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)

				return
			}

			require.NoError(t, err)

			names := make([]string, 0, len(got))
			for _, d := range got {
				names = append(names, d.Name)
			}

			assert.Equal(t, tt.want, names)
		})
	}
}

func TestDataset_Assets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	for _, name := range []string{"10.bz2", "2.bz2", "0.bz2", "1.gz", "3.zst", "extra.bz2", "4.txt", "notes.md"} {
		touch(t, filepath.Join(dir, name), nil)
	}

	require.NoError(t, os.Mkdir(filepath.Join(dir, "5.bz2"), 0o755))

	d := Dataset{Name: "ITA_Italia", Code: "ITA", Dir: dir}

	names := func(assets []Asset) []string {
		out := make([]string, 0, len(assets))

		for i, a := range assets {
			assert.Equal(t, i, a.Index)

			out = append(out, a.Name)
		}

		return out
	}

	assets, err := d.Assets(Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"0.bz2", "1.gz", "2.bz2", "3.zst", "10.bz2", "extra.bz2"}, names(assets))
	assert.Equal(t, FormatGzip, assets[1].Format)
	assert.Equal(t, FormatZstd, assets[3].Format)

	wide, err := d.Assets(Options{Wide: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"0.bz2", "1.gz", "2.bz2", "3.zst", "4.txt", "10.bz2", "extra.bz2"}, names(wide))
	assert.Equal(t, FormatPlain, wide[4].Format)
}

func TestReader_Bzip2(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	lines, fingerprint := readAll(t, Asset{Path: filepath.Join("testdata", "lines.bz2"), Format: FormatBzip2})

	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, lines)
	assert.Equal(t, "5a669f8702a3261cd636ca7babab32033e86c433080c63d7e0e46db59903d167", fingerprint)
}

func TestReader_InvalidUTF8(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), "0")
	touch(t, path, []byte("+391:1:Ren\xe9\xff\n"))

	r, err := Asset{Path: path, Format: FormatPlain}.Open()
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	_, line, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "+391:1:Ren\uFFFD", line, "a run of invalid bytes becomes one replacement rune")
}

func TestReader_Formats(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	content := []byte("first:1\r\n\nthird:3\n")
	want := []string{"first:1", "", "third:3"}

	gzipped := func(t *testing.T) []byte {
		t.Helper()

		var buf bytes.Buffer

		w := gzip.NewWriter(&buf)
		_, err := w.Write(content)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		return buf.Bytes()
	}

	zstded := func(t *testing.T) []byte {
		t.Helper()

		var buf bytes.Buffer

		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		return buf.Bytes()
	}

	tests := []struct {
		name   string
		format Format
		encode func(t *testing.T) []byte
	}{
		{name: "gzip", format: FormatGzip, encode: gzipped},
		{name: "zstd", format: FormatZstd, encode: zstded},
		{name: "plain", format: FormatPlain, encode: func(*testing.T) []byte { return content }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.encode(t)
			path := filepath.Join(t.TempDir(), "0")
			touch(t, path, data)

			lines, fingerprint := readAll(t, Asset{Path: path, Format: tt.format})

			sum := blake2b.Sum256(data)
			assert.Equal(t, want, lines)
			assert.Equal(t, hex.EncodeToString(sum[:]), fingerprint)
		})
	}
}

func TestReader_CorruptGzip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), "0.gz")
	touch(t, path, []byte("not gzip at all"))

	_, err := Asset{Path: path, Format: FormatGzip}.Open()
	require.Error(t, err)
}

func TestReader_MissingFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := Asset{Path: filepath.Join(t.TempDir(), "0.bz2"), Format: FormatBzip2}.Open()
	require.ErrorIs(t, err, os.ErrNotExist)
}
