package bwal

import (
	"fmt"
	"strconv"
	"strings"
)

func segmentToStr(base string, segment uint64) string {
	return fmt.Sprintf("%s.%06d", base, segment)
}

func segmentNameToSegment(base, name string) (uint64, error) {
	suffix, ok := strings.CutPrefix(name, base+".")
	if !ok {
		return 0, fmt.Errorf("%s is not a segment of %s", name, base)
	}

	return strconv.ParseUint(suffix, 10, 64)
}
