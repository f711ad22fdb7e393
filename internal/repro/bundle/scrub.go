package bundle

import (
	"bytes"
	"regexp"
)

// Redacted replaces every scrubbed value.
const Redacted = "[REDACTED]"

type scrubRule struct {
	re *regexp.Regexp
	// keep is the number of leading bytes of a match left in place.
	keep func(match []byte) int
}

var scrubRules = []scrubRule{
	{re: regexp.MustCompile(`sk-[A-Za-z0-9_\-]{6,}`)},
	{re: regexp.MustCompile(`ghp_[A-Za-z0-9]{16,}`)},
	{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{re: regexp.MustCompile(`xox[abposr]-[A-Za-z0-9\-]{10,}`)},
	{
		re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=\-]{8,}`),
		keep: func(m []byte) int {
			return bytes.IndexFunc(m[len("bearer"):], func(r rune) bool { return r != ' ' && r != '\t' }) + len("bearer")
		},
	},
}

// scrubTape replaces secret-looking values in the entry lines of a tape.
// It returns the result and the number of redacted values it holds, which
// includes values redacted by an earlier pass, so scrubbing an already
// scrubbed tape reports the same count. The header line is left alone.
// Matched tokens never contain quotes or backslashes, so every line stays
// valid JSON.
func scrubTape(data []byte) ([]byte, int) {
	lines := bytes.SplitAfter(data, []byte("\n"))
	count := 0
	for i := 1; i < len(lines); i++ {
		for _, rule := range scrubRules {
			lines[i] = rule.re.ReplaceAllFunc(lines[i], func(m []byte) []byte {
				keep := 0
				if rule.keep != nil {
					keep = rule.keep(m)
				}
				out := make([]byte, 0, keep+len(Redacted))
				out = append(out, m[:keep]...)
				return append(out, Redacted...)
			})
		}
		count += bytes.Count(lines[i], []byte(Redacted))
	}
	return bytes.Join(lines, nil), count
}
