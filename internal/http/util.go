package httpx

import (
	"net/http"
	"strconv"
)

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ParseLimitOffset parses limit/offset query params, clamping limit to [1, maxLimit] and
// offset to >= 0.
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	maxLimit = max(maxLimit, 1)
	lim := min(max(parseIntQuery(r, "limit", defLimit), 1), maxLimit)
	off := max(parseIntQuery(r, "offset", 0), 0)
	return lim, off
}
