// pkg/version/version.go - item version comparison and the agent build stamp.

package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the agent build version, stamped at link time.
var Version = "dev"

// Print writes the agent version to stdout.
func Print() {
	fmt.Printf("managedsoftwareupdate %s\n", Version)
}

// Comparison is the result of comparing two item version strings.
type Comparison int

const (
	Lower  Comparison = -1
	Equal  Comparison = 0
	Higher Comparison = 1
)

func (c Comparison) String() string {
	switch c {
	case Lower:
		return "lower"
	case Higher:
		return "higher"
	default:
		return "equal"
	}
}

// Compare orders two dotted version strings. Components are compared
// pairwise: numeric components as integers, anything else as strings.
// The shorter version is right-padded with zeros, so "1.0" equals
// "1.0.0.0". Empty strings compare as "0".
func Compare(a, b string) Comparison {
	av := split(a)
	bv := split(b)
	for len(av) < len(bv) {
		av = append(av, "0")
	}
	for len(bv) < len(av) {
		bv = append(bv, "0")
	}
	for i := range av {
		if c := compareComponent(av[i], bv[i]); c != Equal {
			return c
		}
	}
	return Equal
}

func split(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return []string{"0"}
	}
	return strings.Split(v, ".")
}

func compareComponent(a, b string) Comparison {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return Lower
		case an > bn:
			return Higher
		}
		return Equal
	}
	// Mixed or alpha components fall back to string ordering so that
	// builds like "8b1" still sort deterministically.
	switch {
	case a < b:
		return Lower
	case a > b:
		return Higher
	}
	return Equal
}

// IsNewer reports whether candidate is strictly newer than installed.
func IsNewer(candidate, installed string) bool {
	return Compare(candidate, installed) == Higher
}

// Satisfies reports whether installed meets or exceeds wanted.
func Satisfies(installed, wanted string) bool {
	return Compare(installed, wanted) != Lower
}
