package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// parseLimit parses and validates a limit parameter with default and max values
func parseLimit(req *http.Request, defaultLimit, maxLimit int) int {
	if l := req.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// parseWindow reads a lookback such as 24h, 7d or all from param. The zero
// duration means no lower bound.
func parseWindow(req *http.Request, param string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(req.URL.Query().Get(param))
	switch {
	case raw == "":
		return def, nil
	case raw == "all":
		return 0, nil
	case strings.HasSuffix(raw, "d"):
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid %s %q", param, raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", param, raw)
	}
	return d, nil
}

// since turns a window into a lower time bound
func (r *Router) since(window time.Duration) time.Time {
	if window == 0 {
		return time.Time{}
	}
	return r.now().Add(-window).UTC()
}
