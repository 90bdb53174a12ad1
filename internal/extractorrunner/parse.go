package extractorrunner

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// progressLineRE matches lines like:
// "[download]  42.3% of ~ 120.50MiB at  3.21MiB/s ETA 00:30"
// Percent and size/rate units are captured; ETA text itself is not parsed
// further since C5 recomputes ETA from downloaded/total/speed.
var progressLineRE = regexp.MustCompile(`(?i)([\d.]+)%\s+of\s+~?\s*([\d.]+)\s*(B|KiB|MiB|GiB)\s+at\s+([\d.]+)\s*(B|KiB|MiB|GiB)/s`)

// percentOnlyRE matches a bare percentage when the extractor did not report
// a total size (e.g. an unknown-length live stream); per §4.4/B4, downloaded
// bytes then fall back to the percentage itself as a unitless proxy.
var percentOnlyRE = regexp.MustCompile(`(?i)([\d.]+)%`)

var errorLineRE = regexp.MustCompile(`(?i)(ERROR:|error:)\s*(.*)`)

// ParsedProgress is one decoded extractor progress line.
type ParsedProgress struct {
	Percent          float64
	TotalBytes       int64
	DownloadedBytes  int64
	RateBytesPerSec  float64
}

// ParseLine attempts to decode one stdout/stderr line from the extractor.
// It returns (progress, true, "") on a progress line, (zero, false, reason)
// on an ERROR: line (reason is the parsed error text), and (zero, false, "")
// when the line carries neither (no progress this line, per §4.4's parse
// error downgrade policy).
func ParseLine(line string) (ParsedProgress, bool, string) {
	if m := errorLineRE.FindStringSubmatch(line); m != nil {
		return ParsedProgress{}, false, strings.TrimSpace(m[2])
	}

	m := progressLineRE.FindStringSubmatch(line)
	if m == nil {
		if pm := percentOnlyRE.FindStringSubmatch(line); pm != nil {
			pct, err := strconv.ParseFloat(pm[1], 64)
			if err != nil {
				return ParsedProgress{}, false, ""
			}
			return ParsedProgress{
				Percent:         pct,
				TotalBytes:      0,
				DownloadedBytes: int64(math.Round(pct)),
			}, true, ""
		}
		return ParsedProgress{}, false, ""
	}

	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ParsedProgress{}, false, ""
	}
	sizeVal, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return ParsedProgress{}, false, ""
	}
	rateVal, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return ParsedProgress{}, false, ""
	}

	totalBytes := int64(sizeVal * unitMultiplier(m[3]))
	rateBytes := rateVal * unitMultiplier(m[5])

	var downloaded int64
	if totalBytes > 0 {
		downloaded = int64(math.Round(pct / 100 * float64(totalBytes)))
	} else {
		downloaded = int64(math.Round(pct))
	}

	return ParsedProgress{
		Percent:         pct,
		TotalBytes:      totalBytes,
		DownloadedBytes: downloaded,
		RateBytesPerSec: rateBytes,
	}, true, ""
}

func unitMultiplier(unit string) float64 {
	switch strings.ToUpper(unit) {
	case "B":
		return 1
	case "KIB":
		return 1024
	case "MIB":
		return 1024 * 1024
	case "GIB":
		return 1024 * 1024 * 1024
	default:
		return 1
	}
}
