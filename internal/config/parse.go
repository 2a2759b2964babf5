package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/lonkamikaze/powerd/internal/exit"
	"github.com/lonkamikaze/powerd/internal/governor"
	"github.com/lonkamikaze/powerd/internal/load"
	"github.com/lonkamikaze/powerd/internal/topology"
)

// splitUnit separates the numeric prefix of a command line value from
// its unit suffix. A value without digits yields zero, mirroring the
// behaviour operators expect from the system governor.
func splitUnit(s string) (value float64, unit string, ok bool) {
	pos := 0
	if pos < len(s) && (s[pos] == '+' || s[pos] == '-') {
		pos++
	}
	start := pos
	for ; pos < len(s); pos++ {
		if (s[pos] < '0' || s[pos] > '9') && s[pos] != '.' {
			break
		}
	}
	if pos == start {
		return 0, s, true
	}
	v, err := strconv.ParseFloat(s[:pos], 64)
	if err != nil {
		return 0, s, false
	}
	return v, s[pos:], true
}

// parseLoad reads a load target, a scalar in [0, 1], or a percentage.
// The result is fixed point with denominator 1024 and a floor of 1;
// a zero target would select fixed frequency mode by accident.
func parseLoad(s string) (load.Ticks, error) {
	str := strings.ToLower(s)
	if str == "" {
		return 0, exit.Failf(exit.Load, nil, "load target value missing")
	}
	value, unit, ok := splitUnit(str)
	if ok {
		switch unit {
		case "":
			if value > 1 || value < 0 {
				return 0, exit.Failf(exit.OutOfRange, nil,
					"load targets must be in the range [0.0, 1.0]: %s", s)
			}
			return floorOne(1024 * value), nil
		case "%":
			if value > 100 || value < 0 {
				return 0, exit.Failf(exit.OutOfRange, nil,
					"load targets must be in the range [0%%, 100%%]: %s", s)
			}
			return floorOne(1024 * value / 100), nil
		}
	}
	return 0, exit.Failf(exit.Load, nil, "load target not recognised: %s", s)
}

func floorOne(v float64) load.Ticks {
	if v < 1 {
		return 1
	}
	return load.Ticks(v)
}

// parseFreq reads a frequency in MHz; explicit Hz through THz units
// are accepted, a bare scalar counts as MHz.
func parseFreq(s string) (topology.MHz, error) {
	str := strings.ToLower(s)
	if str == "" {
		return 0, exit.Failf(exit.Freq, nil, "frequency value missing")
	}
	value, unit, ok := splitUnit(str)
	if !ok {
		return 0, exit.Failf(exit.Freq, nil, "frequency value not recognised: %s", s)
	}
	switch unit {
	case "hz":
		value /= 1000000
	case "khz":
		value /= 1000
	case "", "mhz":
	case "ghz":
		value *= 1000
	case "thz":
		value *= 1000000
	default:
		return 0, exit.Failf(exit.Freq, nil, "frequency value not recognised: %s", s)
	}
	if value > 1000000 || value < 0 {
		return 0, exit.Failf(exit.OutOfRange, nil,
			"target frequency must be in the range [0Hz, 1THz]: %s", s)
	}
	return topology.MHz(value), nil
}

// parseInterval reads a polling interval; seconds and milliseconds are
// accepted, a bare scalar counts as milliseconds.
func parseInterval(s string) (time.Duration, error) {
	str := strings.ToLower(s)
	if str == "" {
		return 0, exit.Failf(exit.Interval, nil, "interval value missing")
	}
	value, unit, ok := splitUnit(str)
	if !ok {
		return 0, exit.Failf(exit.Interval, nil, "interval not recognised: %s", s)
	}
	if value < 0 {
		return 0, exit.Failf(exit.OutOfRange, nil, "interval must be positive: %s", s)
	}
	switch unit {
	case "s":
		value *= 1000
	case "", "ms":
	default:
		return 0, exit.Failf(exit.Interval, nil, "interval not recognised: %s", s)
	}
	return time.Duration(int64(value)) * time.Millisecond, nil
}

// parseSamples reads the ring buffer depth. The load window needs a
// delta, so a single sample is rejected along with everything outside
// [1, 1000].
func parseSamples(s string) (int, error) {
	if s == "" {
		return 0, exit.Failf(exit.Samples, nil, "sample count value missing")
	}
	value, unit, ok := splitUnit(s)
	if !ok || unit != "" {
		return 0, exit.Failf(exit.Samples, nil,
			"sample count must be a scalar integer: %s", s)
	}
	cnt := int(value)
	if float64(cnt) != value {
		return 0, exit.Failf(exit.OutOfRange, nil,
			"sample count must be an integer: %s", s)
	}
	if cnt < 1 || cnt > 1000 {
		return 0, exit.Failf(exit.OutOfRange, nil,
			"sample count must be in the range [1, 1000]: %s", s)
	}
	if cnt < 2 {
		return 0, exit.Failf(exit.OutOfRange, nil,
			"at least 2 samples are required to form a load window: %s", s)
	}
	return cnt, nil
}

// parseMode reads a mode string for one AC line state:
//
//	mode = "minimum" | "min" | "maximum" | "max" |
//	       "adaptive" | "adp" | "hiadaptive" | "hadp" |
//	       load | freq;
//
// Loads are tried before frequencies so bare scalars select a load
// target. Out of range values abort, unrecognised ones fall through to
// the next rule.
func parseMode(s string) (targetLoad load.Ticks, targetFreq topology.MHz, err error) {
	switch strings.ToLower(s) {
	case "minimum", "min":
		return 0, topology.DefaultMinFreq, nil
	case "maximum", "max":
		return 0, topology.DefaultMaxFreq, nil
	case "adaptive", "adp":
		return governor.AdaptiveTarget, 0, nil
	case "hiadaptive", "hadp":
		return governor.HiAdaptiveTarget, 0, nil
	}

	l, lerr := parseLoad(s)
	if lerr == nil {
		return l, 0, nil
	}
	if exit.CodeOf(lerr) == exit.OutOfRange {
		return 0, 0, lerr
	}

	f, ferr := parseFreq(s)
	if ferr == nil {
		return 0, f, nil
	}
	if exit.CodeOf(ferr) == exit.OutOfRange {
		return 0, 0, ferr
	}

	return 0, 0, exit.Failf(exit.Mode, nil, "mode not recognised: %s", s)
}
