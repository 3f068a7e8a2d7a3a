package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errRangeNotSatisfiable = errors.New("range not satisfiable")

// byteRange is a resolved sub-range of an object.
type byteRange struct {
	start  int64
	length int64
}

func (r byteRange) contentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.start+r.length-1, size)
}

// parseRange resolves a Range header against an object of size bytes.
// It supports a single "bytes=a-b", "bytes=a-" or "bytes=-n" range. partial
// is false when the whole object should be sent, including for malformed or
// multi-range headers. errRangeNotSatisfiable is returned when the range
// starts at or past the end of the object.
func parseRange(header string, size int64) (r byteRange, partial bool, err error) {
	full := byteRange{start: 0, length: size}

	header = strings.TrimSpace(header)
	if header == "" {
		return full, false, nil
	}
	rng, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(rng, ",") {
		return full, false, nil
	}

	first, last, ok := strings.Cut(strings.TrimSpace(rng), "-")
	if !ok {
		return full, false, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return full, false, nil
		}
		if n == 0 || size == 0 {
			return byteRange{}, false, errRangeNotSatisfiable
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, length: n}, true, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return full, false, nil
	}

	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return full, false, nil
		}
	}

	if start >= size {
		return byteRange{}, false, errRangeNotSatisfiable
	}
	if end >= size {
		end = size - 1
	}
	return byteRange{start: start, length: end - start + 1}, true, nil
}
