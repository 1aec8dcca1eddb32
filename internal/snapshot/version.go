// Package snapshot reads and writes aggregated weight snapshots: a header
// line naming the format and its version, then one JSON record per line.
package snapshot

import (
	"errors"
	"fmt"

	"golang.org/x/mod/semver"
)

const (
	FormatName    = "phraseweight.weights"
	FormatVersion = "v1.0.0"
)

var (
	ErrBadHeader           = errors.New("not a weights snapshot")
	ErrIncompatibleVersion = errors.New("incompatible snapshot version")
)

// Header is the first line of every snapshot file
type Header struct {
	Format  string `json:"format"`
	Version string `json:"version"`
}

// IsCompatibleVersion checks if a snapshot version can be read by this build.
// Major version must match exactly; minor and patch versions can differ.
func IsCompatibleVersion(fileVersion, currentVersion string) (bool, error) {
	if !semver.IsValid(fileVersion) {
		return false, fmt.Errorf("invalid snapshot version: %s", fileVersion)
	}
	if !semver.IsValid(currentVersion) {
		return false, fmt.Errorf("invalid current version: %s", currentVersion)
	}

	return semver.Major(fileVersion) == semver.Major(currentVersion), nil
}

func checkHeader(h Header) error {
	if h.Format != FormatName {
		return fmt.Errorf("%w: format %q", ErrBadHeader, h.Format)
	}

	ok, err := IsCompatibleVersion(h.Version, FormatVersion)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if !ok {
		return fmt.Errorf("%w: snapshot %s, required %s.x.x", ErrIncompatibleVersion, h.Version, semver.Major(FormatVersion))
	}

	return nil
}
