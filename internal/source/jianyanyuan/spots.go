package jianyanyuan

import (
	"strings"

	"envsense/internal/core"
)

// matchProject fuzzy-matches a device location hint against the configured
// project directory. Hints and project names come from different hands and
// rarely agree character for character, so matching is containment-based
// over normalized text: a project scores when its name appears in any hint
// field or a hint field appears in its name. The best-scoring project
// wins; no score means no spot for the device.
func matchProject(projects []string, loc *core.Location) (string, bool) {
	if loc == nil {
		return "", false
	}

	fields := []string{loc.Extra, loc.Address, loc.City, loc.Province}

	best := ""
	bestScore := 0
	for _, project := range projects {
		p := normalize(project)
		if p == "" {
			continue
		}

		score := 0
		// Earlier fields are more specific, so they weigh more.
		for i, field := range fields {
			f := normalize(field)
			if f == "" {
				continue
			}
			weight := len(fields) - i
			if strings.Contains(f, p) || strings.Contains(p, f) {
				score += weight * 2
			} else if commonRunLen(f, p) >= 4 {
				score += weight
			}
		}

		if score > bestScore {
			bestScore = score
			best = project
		}
	}

	return best, bestScore > 0
}

func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), "")
}

// commonRunLen returns the length in bytes of the longest common substring
// of a and b. Inputs are short location strings, so the quadratic scan is
// fine.
func commonRunLen(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	longest := 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > longest {
					longest = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return longest
}
