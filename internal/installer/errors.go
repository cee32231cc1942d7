package installer

import "errors"

var (
	// ErrIntegrityMismatch means the downloaded archive does not hash to the catalog sha256
	ErrIntegrityMismatch = errors.New("archive integrity mismatch")
	// ErrDownloadFailure wraps transport errors while fetching an archive
	ErrDownloadFailure = errors.New("archive download failed")
	// ErrUnsupportedSource is returned for archive URLs no fetcher handles
	ErrUnsupportedSource = errors.New("unsupported archive source")
	// ErrUnsupportedArchive is returned when the archive format is not recognised
	ErrUnsupportedArchive = errors.New("unsupported archive format")
	// ErrUnsafeArchive is returned for entries escaping the target or exceeding limits
	ErrUnsafeArchive = errors.New("unsafe archive")
	// ErrOutsideRoot is returned when a skill path would leave the configured root
	ErrOutsideRoot = errors.New("path outside skill root")
)
