package password

import (
	"fmt"
	"regexp"
	"strings"
)

// MinLength is the minimum accepted password length.
const MinLength = 12

// PolicyError names the acceptance rule a candidate password failed.
type PolicyError struct {
	Rule string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("password rejected: %s", e.Rule)
}

var (
	upperRegex   = regexp.MustCompile(`[A-Z]`)
	lowerRegex   = regexp.MustCompile(`[a-z]`)
	digitRegex   = regexp.MustCompile(`[0-9]`)
	specialRegex = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>]`)

	digitSeqRegex = regexp.MustCompile(`012|123|234|345|456|567|678|789|890`)
	alphaSeqRegex = regexp.MustCompile(`abc|bcd|cde|def|efg|fgh|ghi|hij|ijk|jkl|klm|lmn|mno|nop|opq|pqr|qrs|rst|stu|tuv|uvw|vwx|wxy|xyz`)
)

// Validate applies the acceptance policy to a candidate password and returns
// a *PolicyError describing the first failed rule, or nil.
func Validate(candidate string) error {
	if len(candidate) < MinLength {
		return &PolicyError{Rule: fmt.Sprintf("must be at least %d characters", MinLength)}
	}
	if !upperRegex.MatchString(candidate) {
		return &PolicyError{Rule: "must contain an uppercase letter"}
	}
	if !lowerRegex.MatchString(candidate) {
		return &PolicyError{Rule: "must contain a lowercase letter"}
	}
	if !digitRegex.MatchString(candidate) {
		return &PolicyError{Rule: "must contain a digit"}
	}
	if !specialRegex.MatchString(candidate) {
		return &PolicyError{Rule: "must contain a special character"}
	}

	lowered := strings.ToLower(candidate)
	if hasRepeatedRun(lowered) || digitSeqRegex.MatchString(lowered) || alphaSeqRegex.MatchString(lowered) {
		return &PolicyError{Rule: "must not contain predictable patterns"}
	}

	return nil
}

// hasRepeatedRun reports whether s contains the same rune three or more times
// in a row. RE2 has no backreferences, so this runs as a plain scan.
func hasRepeatedRun(s string) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
			if run >= 3 {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}
