package protocol

import (
	"strconv"
	"strings"

	"github.com/example/ttsworkerd/internal/dispatcherrors"
)

// Supported is the closed enumeration of protocol versions this codec
// understands, known at build time. Current is the highest supported
// version and is used as the default target when a peer declares no range.
const (
	V1      = "1.0.0"
	V2      = "2.0.0"
	Current = V2
)

// supportedOrder lists Supported in ascending preference order.
var supportedOrder = []string{V1, V2}

// Supported reports whether v is a version this codec understands.
func Supported(v string) bool {
	for _, s := range supportedOrder {
		if s == v {
			return true
		}
	}
	return false
}

// VersionRange is a client-declared acceptable version window, optionally
// naming a preferred version. Min/Max use semver "x.y.z" form; an empty
// Min/Max means "unbounded" on that side.
type VersionRange struct {
	Min       string
	Max       string
	Preferred string
}

// semver is a parsed major.minor.patch triple for ordering comparisons.
type semver [3]int

func parseSemver(v string) (semver, bool) {
	parts := strings.SplitN(v, ".", 3)
	var s semver
	for i := 0; i < 3 && i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return semver{}, false
		}
		s[i] = n
	}
	return s, true
}

func (a semver) less(b semver) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (a semver) cmp(b semver) int {
	switch {
	case a.less(b):
		return -1
	case b.less(a):
		return 1
	default:
		return 0
	}
}

// Negotiate picks the version this codec will speak with a peer declaring r.
// The server's supported ∩ client range is computed; Preferred wins if it
// lies within that intersection, otherwise the highest version in the
// intersection is chosen. An empty intersection fails with
// KindIncompatibleVersion, per spec.md §4.1.
func Negotiate(r VersionRange) (string, error) {
	var (
		min, max semver
		hasMin   bool
		hasMax   bool
	)
	if strings.TrimSpace(r.Min) != "" {
		m, ok := parseSemver(r.Min)
		if !ok {
			return "", dispatcherrors.Newf(dispatcherrors.KindIncompatibleVersion, "malformed min version %q", r.Min)
		}
		min, hasMin = m, true
	}
	if strings.TrimSpace(r.Max) != "" {
		m, ok := parseSemver(r.Max)
		if !ok {
			return "", dispatcherrors.Newf(dispatcherrors.KindIncompatibleVersion, "malformed max version %q", r.Max)
		}
		max, hasMax = m, true
	}
	if hasMin && hasMax && max.less(min) {
		return "", dispatcherrors.New(dispatcherrors.KindIncompatibleVersion, "client version range is empty")
	}

	var candidates []string
	for _, v := range supportedOrder {
		sv, _ := parseSemver(v)
		if hasMin && sv.less(min) {
			continue
		}
		if hasMax && max.less(sv) {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return "", dispatcherrors.New(dispatcherrors.KindIncompatibleVersion,
			"no mutually supported protocol version")
	}

	if r.Preferred != "" {
		for _, c := range candidates {
			if c == r.Preferred {
				return c, nil
			}
		}
	}

	// candidates is in ascending order (supportedOrder is ascending); the
	// highest mutually supported version is the last entry.
	return candidates[len(candidates)-1], nil
}
