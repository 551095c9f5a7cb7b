package contracts

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// EnvelopeVersion is the wire version written on every envelope
const EnvelopeVersion = "1.0.0"

// compatibleVersions accepts any envelope with the same major version
var compatibleVersions = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// CheckVersion returns ErrIncompatibleVersion when an envelope was written
// by an incompatible peer. An empty version is treated as the current one.
func CheckVersion(version string) error {
	if version == "" {
		return nil
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q is not a semantic version", ErrIncompatibleVersion, version)
	}

	if !compatibleVersions.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleVersion, version, compatibleVersions)
	}
	return nil
}
