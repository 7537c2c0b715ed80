// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	"github.com/spf13/pflag"
)

// suggestion threshold: an edit distance above this is noise, not a
// typo.
const maxSuggestDistance = 3

// nearest returns the candidate closest to input by edit distance, or
// "" when nothing is within the typo threshold.
func nearest(input string, candidates []string) string {
	best := ""
	bestDistance := maxSuggestDistance + 1
	for _, candidate := range candidates {
		if d := editDistance(input, candidate); d < bestDistance {
			bestDistance = d
			best = candidate
		}
	}
	return best
}

// nearestFlag finds the first flag in args that the flag set does not
// define and returns the closest defined flag, with its dash prefix.
func nearestFlag(args []string, flagSet *pflag.FlagSet) string {
	var defined []string
	flagSet.VisitAll(func(f *pflag.Flag) {
		defined = append(defined, f.Name)
	})

	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		if flagSet.Lookup(name) != nil {
			continue
		}
		if hint := nearest(name, defined); hint != "" {
			if len(hint) == 1 {
				return "-" + hint
			}
			return "--" + hint
		}
		break
	}
	return ""
}

// editDistance is the Levenshtein distance, computed with a single
// rolling row.
func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	if len(a) > len(b) {
		a, b = b, a
	}

	row := make([]int, len(a)+1)
	for i := range row {
		row[i] = i
	}
	for j := 1; j <= len(b); j++ {
		previous := row[0]
		row[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			candidate := min(row[i]+1, min(row[i-1]+1, previous+cost))
			previous = row[i]
			row[i] = candidate
		}
	}
	return row[len(a)]
}
