package installer

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format identifies an archive container by its leading bytes
type Format string

const (
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
	FormatTarLZ4  Format = "tar.lz4"
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
	magicTar  = []byte("ustar")
)

const tarMagicOffset = 257

// Limits bounds what an archive may expand to
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxEntries          int
	MaxCompressionRatio float64
}

// DefaultLimits suits skill bundles on small devices
var DefaultLimits = Limits{
	MaxFileSize:         256 << 20,
	MaxTotalSize:        1 << 30,
	MaxEntries:          10000,
	MaxCompressionRatio: 100,
}

// DetectFormat inspects the head of an archive
func DetectFormat(head []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatTarGzip, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatTarZstd, nil
	case bytes.HasPrefix(head, magicLZ4):
		return FormatTarLZ4, nil
	case len(head) >= tarMagicOffset+len(magicTar) &&
		bytes.Equal(head[tarMagicOffset:tarMagicOffset+len(magicTar)], magicTar):
		return FormatTar, nil
	}
	return "", ErrUnsupportedArchive
}

func decompressor(format Format, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case FormatTar:
		return io.NopCloser(r), nil
	case FormatTarGzip:
		return gzip.NewReader(r)
	case FormatTarZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case FormatTarLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, ErrUnsupportedArchive
}

// Extract unpacks the archive at archivePath into dest, which must exist.
// Absolute paths, parent traversal, links leaving dest, device nodes and
// anything beyond limits abort the extraction with ErrUnsafeArchive.
func Extract(archivePath, dest string, limits Limits) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	br := bufio.NewReaderSize(f, 1024)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read archive header: %w", err)
	}
	format, err := DetectFormat(head)
	if err != nil {
		return err
	}

	rc, err := decompressor(format, br)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedArchive, err)
	}
	defer rc.Close()

	var total int64
	entries := 0
	tr := tar.NewReader(rc)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: tar read error: %v", ErrUnsafeArchive, err)
		}

		entries++
		if limits.MaxEntries > 0 && entries > limits.MaxEntries {
			return fmt.Errorf("%w: more than %d entries", ErrUnsafeArchive, limits.MaxEntries)
		}

		rel, err := safeRelPath(header.Name)
		if err != nil {
			return err
		}
		if rel == "." {
			continue
		}
		target := filepath.Join(dest, rel)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if limits.MaxFileSize > 0 && header.Size > limits.MaxFileSize {
				return fmt.Errorf("%w: %s is %d bytes", ErrUnsafeArchive, rel, header.Size)
			}
			total += header.Size
			if limits.MaxTotalSize > 0 && total > limits.MaxTotalSize {
				return fmt.Errorf("%w: extracted size exceeds %d bytes", ErrUnsafeArchive, limits.MaxTotalSize)
			}
			if err := writeFile(target, tr, header); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := checkLinkTarget(rel, header.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeXGlobalHeader:
			continue

		default:
			return fmt.Errorf("%w: %s has unsupported entry type %q", ErrUnsafeArchive, rel, header.Typeflag)
		}
	}

	if limits.MaxCompressionRatio > 0 && info.Size() > 0 && format != FormatTar {
		ratio := float64(total) / float64(info.Size())
		if ratio > limits.MaxCompressionRatio {
			return fmt.Errorf("%w: compression ratio %.1f exceeds %.1f", ErrUnsafeArchive, ratio, limits.MaxCompressionRatio)
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	mode := header.FileInfo().Mode().Perm() & 0o755
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode|0o600)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return out.Close()
}

func safeRelPath(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafeArchive, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal %q", ErrUnsafeArchive, name)
	}
	return clean, nil
}

// checkLinkTarget requires a relative target that resolves inside the archive root
func checkLinkTarget(linkPath, target string) error {
	if target == "" || filepath.IsAbs(target) || strings.HasPrefix(target, "/") {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafeArchive, linkPath, target)
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), filepath.FromSlash(target)))
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: symlink %s -> %s leaves the archive", ErrUnsafeArchive, linkPath, target)
	}
	return nil
}
