package motion

import (
	"regexp"
	"strconv"
	"strings"
)

// sampleLinePrefix marks device output carrying a reading, anything else is
// diagnostics printed by the firmware
const sampleLinePrefix = "X:"

// e.g. "X: +1.081g | Y: -0.082g | Z: -0.158g | Change: 316"
var sampleLinePattern = regexp.MustCompile(
	`X:\s*([-+]?\d+\.\d+)g\s*\|\s*Y:\s*([-+]?\d+\.\d+)g\s*\|\s*Z:\s*([-+]?\d+\.\d+)g\s*\|\s*Change:\s*(\d+)`,
)

// IsSampleLine reports whether the line should be handed to Parse
func IsSampleLine(line string) bool {
	return strings.HasPrefix(line, sampleLinePrefix)
}

// Parse extracts a Sample from a device line. It returns false for any line
// that does not carry a complete reading.
func Parse(line string) (Sample, bool) {
	m := sampleLinePattern.FindStringSubmatch(line)
	if m == nil {
		return Sample{}, false
	}

	var s Sample
	var err error
	if s.X, err = strconv.ParseFloat(m[1], 64); err != nil {
		return Sample{}, false
	}
	if s.Y, err = strconv.ParseFloat(m[2], 64); err != nil {
		return Sample{}, false
	}
	if s.Z, err = strconv.ParseFloat(m[3], 64); err != nil {
		return Sample{}, false
	}
	if s.Change, err = strconv.ParseInt(m[4], 10, 64); err != nil {
		return Sample{}, false // counter overflow
	}

	return s, true
}
