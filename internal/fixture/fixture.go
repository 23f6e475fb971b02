// Package fixture validates fixture descriptions and outcome sets, derives
// match outcomes from final scorelines, and generates instance join codes.
package fixture

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/betpool/pool-engine/internal/model"
)

// Standard three-way outcomes.
const (
	Home = "home"
	Draw = "draw"
	Away = "away"
)

// DefaultOutcomes is the outcome set used when none is given.
var DefaultOutcomes = []string{Home, Draw, Away}

// scoreRegex matches "{home}-{away}", optionally spaced: "2-1", "0 - 0".
var scoreRegex = regexp.MustCompile(`^\s*(\d{1,3})\s*[-:]\s*(\d{1,3})\s*$`)

var (
	ErrMissingTeam    = errors.New("fixture: home and away team are required")
	ErrSameTeam       = errors.New("fixture: home and away team must differ")
	ErrTooFewOutcomes = errors.New("fixture: at least two outcomes are required")
	ErrDuplicate      = errors.New("fixture: duplicate outcome")
	ErrBlankOutcome   = errors.New("fixture: outcome must not be blank")
	ErrUnknownPush    = errors.New("fixture: push outcome is not in outcome set")
	ErrInvalidScore   = errors.New("fixture: invalid score")
	ErrNotThreeWay    = errors.New("fixture: score only resolves home/draw/away outcome sets")
)

const codeLength = 8

// NormalizeOutcomes lower-cases and trims outcomes, applying the default
// set when empty.
func NormalizeOutcomes(outcomes []string) []string {
	if len(outcomes) == 0 {
		return append([]string(nil), DefaultOutcomes...)
	}
	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		out[i] = strings.ToLower(strings.TrimSpace(o))
	}
	return out
}

// Validate checks the fixture, the (already normalized) outcome set, and
// the optional push outcome.
func Validate(f model.Fixture, outcomes []string, push string) error {
	if strings.TrimSpace(f.HomeTeam) == "" || strings.TrimSpace(f.AwayTeam) == "" {
		return ErrMissingTeam
	}
	if strings.EqualFold(strings.TrimSpace(f.HomeTeam), strings.TrimSpace(f.AwayTeam)) {
		return fmt.Errorf("%w: %s", ErrSameTeam, f.HomeTeam)
	}
	if len(outcomes) < 2 {
		return ErrTooFewOutcomes
	}

	seen := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		if o == "" {
			return ErrBlankOutcome
		}
		if seen[o] {
			return fmt.Errorf("%w: %s", ErrDuplicate, o)
		}
		seen[o] = true
	}

	if push != "" && !seen[push] {
		return fmt.Errorf("%w: %s", ErrUnknownPush, push)
	}
	return nil
}

// ParseScore parses a "{home}-{away}" scoreline.
func ParseScore(score string) (home, away int, err error) {
	m := scoreRegex.FindStringSubmatch(score)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q (expected {home}-{away})", ErrInvalidScore, score)
	}
	home, _ = strconv.Atoi(m[1])
	away, _ = strconv.Atoi(m[2])
	return home, away, nil
}

// OutcomeFromScore derives the three-way result of a scoreline. The
// outcome set must contain home, draw and away.
func OutcomeFromScore(outcomes []string, score string) (string, error) {
	if !hasThreeWay(outcomes) {
		return "", ErrNotThreeWay
	}
	h, a, err := ParseScore(score)
	if err != nil {
		return "", err
	}
	switch {
	case h > a:
		return Home, nil
	case h < a:
		return Away, nil
	default:
		return Draw, nil
	}
}

// Resolve returns outcome if set, otherwise derives it from score. When
// both are given on a three-way set, the score must agree with outcome.
// The result is not checked against the set here; callers do that so they
// can report the domain error.
func Resolve(outcomes []string, outcome, score string) (string, error) {
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	score = strings.TrimSpace(score)
	if outcome == "" {
		if score == "" {
			return "", model.ErrInvalidOutcome
		}
		return OutcomeFromScore(outcomes, score)
	}
	if score == "" || !hasThreeWay(outcomes) {
		return outcome, nil
	}

	derived, err := OutcomeFromScore(outcomes, score)
	if err != nil {
		return "", err
	}
	if derived != outcome {
		return "", fmt.Errorf("%w: %s contradicts score %s (%s)", model.ErrInvalidOutcome, outcome, score, derived)
	}
	return outcome, nil
}

// NewGroupCode returns an 8-character upper-case join code.
func NewGroupCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:codeLength])
}

func hasThreeWay(outcomes []string) bool {
	var h, d, a bool
	for _, o := range outcomes {
		switch o {
		case Home:
			h = true
		case Draw:
			d = true
		case Away:
			a = true
		}
	}
	return h && d && a
}
