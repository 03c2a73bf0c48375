package backup

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// =============================================================================
// Archive Validation
// =============================================================================

// ValidateArchive checks that the stream is a well-formed, non-empty
// gzipped tar. Used before restores so a corrupt backup is rejected
// before anything on the host is touched.
func ValidateArchive(r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: backup is not a gzip archive: %v", domain.ErrConfiguration, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	entries := 0
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: backup tar is corrupt: %v", domain.ErrConfiguration, err)
		}
		entries++
	}
	if entries == 0 {
		return fmt.Errorf("%w: backup archive is empty", domain.ErrConfiguration)
	}
	return nil
}
