package genome

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CanonicalContent returns the canonical JSON encoding of a genome content
// payload. Struct field order is fixed by declaration and encoding/json
// serializes map keys sorted, so identical content always yields identical
// bytes.
func CanonicalContent(content GenomeContent) ([]byte, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, WrapError(KindValidation, err, "canonicalize genome content")
	}
	return data, nil
}

// HashContent computes the SHA-256 hex digest over the canonical encoding.
// The hash is a pure function of content: two versions with identical
// content carry identical hashes.
func HashContent(content GenomeContent) (string, error) {
	data, err := CanonicalContent(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ValidateContent checks that a content payload is well formed before it may
// be persisted as a genome version.
func ValidateContent(content GenomeContent) error {
	if len(content.Tools) == 0 {
		return NewError(KindValidation, "genome content requires at least one tool")
	}
	for name, tool := range content.Tools {
		if strings.TrimSpace(name) == "" {
			return NewError(KindValidation, "tool name cannot be blank")
		}
		if strings.TrimSpace(tool.Command) == "" {
			return NewError(KindValidation, "tool %q requires a command", name)
		}
		if tool.Sensitivity < 0 {
			return NewError(KindValidation, "tool %q sensitivity cannot be negative", name)
		}
	}
	for key := range content.Policies {
		if strings.TrimSpace(key) == "" {
			return NewError(KindValidation, "policy keys cannot be blank")
		}
	}
	return nil
}

// Semver holds a parsed major.minor.patch version.
type Semver struct {
	Major int
	Minor int
	Patch int
}

// ParseSemver parses a strict major.minor.patch string.
func ParseSemver(s string) (Semver, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Semver{}, NewError(KindValidation, "invalid semantic version %q", s)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Semver{}, NewError(KindValidation, "invalid semantic version %q", s)
		}
		nums[i] = n
	}
	return Semver{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 ordering v against other.
func (v Semver) Compare(other Semver) int {
	switch {
	case v.Major != other.Major:
		return compareInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return compareInt(v.Minor, other.Minor)
	default:
		return compareInt(v.Patch, other.Patch)
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// NextVersion derives the successor version from the structural delta
// between the previous active content and the new content: removed
// capabilities bump major, additions or changes bump minor, and identical
// content bumps patch. Versions strictly increase along every chain,
// including rollback-by-forward-versioning.
func NextVersion(prev string, delta Diff) (string, error) {
	v, err := ParseSemver(prev)
	if err != nil {
		return "", err
	}
	switch {
	case len(delta.Removed) > 0:
		v.Major++
		v.Minor = 0
		v.Patch = 0
	case len(delta.Added) > 0 || len(delta.Changed) > 0:
		v.Minor++
		v.Patch = 0
	default:
		v.Patch++
	}
	return v.String(), nil
}

// InitialVersion is assigned to the first genome version in a fresh store.
const InitialVersion = "1.0.0"
