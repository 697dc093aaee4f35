package wipe

import (
	"regexp"
	"strconv"
)

var (
	percentRe  = regexp.MustCompile(`(\d{1,3})(?:\.\d+)?\s*%`)
	passDoneRe = regexp.MustCompile(`(?i)pass\s+(\d+)\s*/\s*(\d+).*\bcomplete`)
)

// parseProgress extracts an overall completion percentage from a runner
// line. It returns -1 when the line carries no progress information.
func parseProgress(line string) int {
	if m := passDoneRe.FindStringSubmatch(line); m != nil {
		done, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 && done <= total {
			return done * 100 / total
		}
	}
	if m := percentRe.FindStringSubmatch(line); m != nil {
		p, err := strconv.Atoi(m[1])
		if err == nil && p <= 100 {
			return p
		}
	}
	return -1
}

// summaryKeywords select the lines worth keeping in a report.
var summaryKeywords = regexp.MustCompile(`(?i)starting|completed?|pass|progress:\s*100%|error|fail|cancel`)

// summarize returns the last max key lines of a log.
func summarize(lines []string, max int) []string {
	var out []string
	for _, l := range lines {
		if summaryKeywords.MatchString(l) {
			out = append(out, l)
		}
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
