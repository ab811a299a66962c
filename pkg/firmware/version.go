package firmware

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is an ordered firmware version triple. Release filenames
// usually carry two components (v23.0); the patch defaults to zero.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "23", "23.0" or "23.0.1", with an optional
// leading "v".
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimPrefix(s, "v")
	if raw == "" {
		return Version{}, fmt.Errorf("empty version %q", s)
	}
	parts := strings.Split(raw, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("malformed version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	for _, d := range [3]int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// String implements fmt.Stringer. The patch component is printed only
// when non-zero, matching release file naming.
func (v Version) String() string {
	if v.Patch != 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
