package source

import (
	"bufio"
	"compress/bzip2"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

const readBufferSize = 1 << 20

// Reader yields the lines of one asset and fingerprints its bytes as they are read.
type Reader struct {
	file   *os.File
	hasher hash.Hash
	closer io.Closer
	lines  *bufio.Reader
	index  int64
}

// Open opens a for reading, decompressing according to its format.
func (a Asset) Open() (*Reader, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset %s: %w", a.Path, err)
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}

	raw := io.TeeReader(bufio.NewReaderSize(f, readBufferSize), hasher)

	r := &Reader{file: f, hasher: hasher}

	var decoded io.Reader

	switch a.Format {
	case FormatBzip2:
		decoded = bzip2.NewReader(raw)
	case FormatGzip:
		gz, err := gzip.NewReader(raw)
		if err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("failed to read gzip asset %s: %w", a.Path, err)
		}

		decoded, r.closer = gz, gz
	case FormatZstd:
		zr, err := zstd.NewReader(raw)
		if err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("failed to read zstd asset %s: %w", a.Path, err)
		}

		decoded, r.closer = zr, zr.IOReadCloser()
	default:
		decoded = raw
	}

	r.lines = bufio.NewReaderSize(decoded, readBufferSize)

	return r, nil
}

// Next returns the next line without its terminator and the intra-asset index of that
// line. It returns io.EOF once the asset is exhausted.
func (r *Reader) Next() (int64, string, error) {
	line, err := r.lines.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, "", fmt.Errorf("failed to read line %d of %s: %w", r.index, r.file.Name(), err)
	}

	if errors.Is(err, io.EOF) && line == "" {
		return 0, "", io.EOF
	}

	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	line = strings.ToValidUTF8(line, "\uFFFD")

	index := r.index
	r.index++

	return index, line, nil
}

// Fingerprint is the hex BLAKE2b-256 of the asset bytes read so far; after io.EOF it
// identifies the whole file.
func (r *Reader) Fingerprint() string {
	return hex.EncodeToString(r.hasher.Sum(nil))
}

// Close releases the decompressor and the file.
func (r *Reader) Close() error {
	var errs []error

	if r.closer != nil {
		errs = append(errs, r.closer.Close())
	}

	errs = append(errs, r.file.Close())

	return errors.Join(errs...)
}
