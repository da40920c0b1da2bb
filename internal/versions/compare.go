package versions

import "github.com/Masterminds/semver/v3"

// AtLeast reports whether version is a valid semantic version no lower than minimum.
// An empty minimum accepts any version; an invalid minimum accepts none.
func AtLeast(version, minimum string) bool {
	if minimum == "" {
		return true
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	m, err := semver.NewVersion(minimum)
	if err != nil {
		return false
	}

	return !v.LessThan(m)
}
