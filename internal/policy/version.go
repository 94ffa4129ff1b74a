/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policy

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version wraps a parsed semantic version and remembers whether the source
// tag carried a leading "v" so it can be rendered back faithfully.
type Version struct {
	raw      string
	semver   *semver.Version
	vPrefix  bool
	isSemver bool
}

// ParseVersion parses a tag into a Version. A tag that does not parse as
// semver still produces a Version (isSemver=false) so non-semver tags can
// flow through Glob/All/Force policies.
func ParseVersion(tag string) Version {
	trimmed := tag
	vPrefix := false
	if strings.HasPrefix(tag, "v") {
		trimmed = strings.TrimPrefix(tag, "v")
		vPrefix = true
	}

	v, err := semver.NewVersion(trimmed)
	if err != nil {
		return Version{raw: tag}
	}

	return Version{
		raw:      tag,
		semver:   v,
		vPrefix:  vPrefix,
		isSemver: true,
	}
}

// IsSemver reports whether the tag parsed as a semantic version.
func (v Version) IsSemver() bool {
	return v.isSemver
}

// Raw returns the original tag string.
func (v Version) Raw() string {
	return v.raw
}

// Major returns the major component; only meaningful when IsSemver is true.
func (v Version) Major() uint64 {
	if !v.isSemver {
		return 0
	}
	return v.semver.Major()
}

// Minor returns the minor component; only meaningful when IsSemver is true.
func (v Version) Minor() uint64 {
	if !v.isSemver {
		return 0
	}
	return v.semver.Minor()
}

// Patch returns the patch component; only meaningful when IsSemver is true.
func (v Version) Patch() uint64 {
	if !v.isSemver {
		return 0
	}
	return v.semver.Patch()
}

// Prerelease returns the pre-release identifier string, empty if none.
func (v Version) Prerelease() string {
	if !v.isSemver {
		return ""
	}
	return v.semver.Prerelease()
}

// IsPrerelease reports whether the version carries a pre-release identifier.
func (v Version) IsPrerelease() bool {
	return v.Prerelease() != ""
}

// SamePatchSeries reports whether two versions share (major, minor, patch).
func (v Version) SamePatchSeries(o Version) bool {
	if !v.isSemver || !o.isSemver {
		return false
	}
	return v.Major() == o.Major() && v.Minor() == o.Minor() && v.Patch() == o.Patch()
}

// GreaterThan reports whether v is strictly newer than o under semver
// ordering. Both versions must be semver; callers check IsSemver first.
func (v Version) GreaterThan(o Version) bool {
	if !v.isSemver || !o.isSemver {
		return false
	}
	return v.semver.GreaterThan(o.semver)
}

// Equal reports value equality after normalization (vPrefix is ignored).
func (v Version) Equal(o Version) bool {
	if v.isSemver && o.isSemver {
		return v.semver.Equal(o.semver)
	}
	return v.raw == o.raw
}

// Render returns the tag with vPrefix applied consistently with how it was
// parsed.
func (v Version) Render() string {
	if !v.isSemver {
		return v.raw
	}
	s := v.semver.String()
	if v.vPrefix {
		return "v" + s
	}
	return s
}
