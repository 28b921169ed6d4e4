// Package constraints implements the predicate algebra from spec 4.4: a
// Constraints value matches users by anonymity, era/join-date, and tag
// membership, and two Constraints values can be proven pairwise disjoint —
// the property release/close depends on to let concurrent experiments share
// a setting when they provably never touch the same user.
package constraints

import (
	"fmt"
	"sort"
	"time"
)

// Era is a cohort relative to an experiment's launch time.
type Era string

const (
	EraNone Era = ""
	EraOld  Era = "old"
	EraNew  Era = "new"
)

// User is the minimal shape of a directory entry the constraints algebra
// needs. A nil *User represents an anonymous visitor.
type User struct {
	ID       string
	JoinDate time.Time
	Tags     map[string]struct{}
}

// HasTag reports whether the user carries tag. A nil User never carries any
// tag.
func (u *User) HasTag(tag string) bool {
	if u == nil {
		return false
	}
	_, ok := u.Tags[tag]
	return ok
}

// Context carries the information constraints need to specialise a
// relative Era into absolute bounds.
type Context struct {
	EraStartDate time.Time
}

// Constraints is the value type from spec 4.4. The unrestricted value is
// Universal() (Anonymous and Named both true), which matches every user and
// is never disjoint from anything. The Go zero value is not universal: with
// Anonymous and Named both false it matches no user.
type Constraints struct {
	// Anonymous, if true (the default), means anonymous users match
	// regardless of every other field, and no other field is consulted.
	Anonymous bool
	// Named, if false, excludes every named (non-anonymous) user outright.
	Named bool
	Era   Era

	JoinedBefore *time.Time
	JoinedAfter  *time.Time

	RequiredTags map[string]struct{}
	ExcludedTags map[string]struct{}
}

// Universal is the always-matching, never-disjoint constraints value.
func Universal() Constraints {
	return Constraints{Anonymous: true, Named: true}
}

// IsUniversal reports whether c imposes no restriction at all: it is
// equivalent to the zero-configuration default in every field.
func (c Constraints) IsUniversal() bool {
	return c.Anonymous && c.Named && c.Era == EraNone &&
		c.JoinedBefore == nil && c.JoinedAfter == nil &&
		len(c.RequiredTags) == 0 && len(c.ExcludedTags) == 0
}

// Specialise resolves a relative Era into absolute JoinedBefore/JoinedAfter
// bounds against ctx.EraStartDate, returning a new Constraints with Era
// cleared. Spec 4.4/4.7: launch-time era specialisation must leave concrete
// date bounds in the stored entry, not the symbolic "old"/"new".
func (c Constraints) Specialise(ctx Context) Constraints {
	out := c
	switch c.Era {
	case EraOld:
		before := ctx.EraStartDate
		out.JoinedBefore = mergeBefore(out.JoinedBefore, &before)
	case EraNew:
		after := ctx.EraStartDate
		out.JoinedAfter = mergeAfter(out.JoinedAfter, &after)
	}
	out.Era = EraNone
	return out
}

func mergeBefore(existing, candidate *time.Time) *time.Time {
	if existing == nil || candidate.Before(*existing) {
		return candidate
	}
	return existing
}

func mergeAfter(existing, candidate *time.Time) *time.Time {
	if existing == nil || candidate.After(*existing) {
		return candidate
	}
	return existing
}

// MatchesUser implements spec 4.4's matching algorithm.
func (c Constraints) MatchesUser(user *User, ctx Context) bool {
	if user == nil {
		return c.Anonymous
	}
	if !c.Named {
		return false
	}

	effective := c.Specialise(ctx)

	if effective.JoinedAfter != nil && user.JoinDate.Before(*effective.JoinedAfter) {
		return false
	}
	if effective.JoinedBefore != nil && user.JoinDate.After(*effective.JoinedBefore) {
		return false
	}

	for tag := range effective.RequiredTags {
		if !user.HasTag(tag) {
			return false
		}
	}
	for tag := range effective.ExcludedTags {
		if user.HasTag(tag) {
			return false
		}
	}

	return true
}

// IsProvablyDisjointFrom implements spec 4.4's sufficient (but not
// necessary) disjointness test. It is symmetric and never true when either
// side is universal.
func (c Constraints) IsProvablyDisjointFrom(other Constraints) bool {
	if c.IsUniversal() || other.IsUniversal() {
		return false
	}

	if tagDisjoint(c, other) {
		return true
	}
	return datesDisjoint(c, other)
}

// tagDisjoint implements spec 4.4 conditions 1 and 2: a tag required by one
// side and excluded by the other proves disjointness, checked from both
// operands' required-tag sets against the other's excluded-tag set so a
// shared tag required by either side rules the pair out regardless of which
// side states it as "required" and which as "excluded".
func tagDisjoint(a, b Constraints) bool {
	for tag := range a.RequiredTags {
		if _, excluded := b.ExcludedTags[tag]; excluded {
			return true
		}
	}
	for tag := range b.RequiredTags {
		if _, excluded := a.ExcludedTags[tag]; excluded {
			return true
		}
	}
	return false
}

// datesDisjoint covers spec 4.4 condition 3: one-sided bounds in opposite
// directions that don't overlap. a.JoinedAfter >= b.JoinedBefore (or the
// symmetric case) proves no user can satisfy both.
func datesDisjoint(a, b Constraints) bool {
	if a.JoinedAfter != nil && b.JoinedBefore != nil && !a.JoinedAfter.Before(*b.JoinedBefore) {
		return true
	}
	if b.JoinedAfter != nil && a.JoinedBefore != nil && !b.JoinedAfter.Before(*a.JoinedBefore) {
		return true
	}
	return false
}

// jsonRepr is the wire shape for Constraints.ToJSON/FromJSON: only
// non-default fields are emitted, and unknown keys are a hard error.
type jsonRepr struct {
	Anonymous    *bool    `json:"anonymous,omitempty"`
	Named        *bool    `json:"named,omitempty"`
	Era          string   `json:"era,omitempty"`
	JoinedBefore *string  `json:"joined_before,omitempty"`
	JoinedAfter  *string  `json:"joined_after,omitempty"`
	RequiredTags []string `json:"required_tags,omitempty"`
	ExcludedTags []string `json:"excluded_tags,omitempty"`
}

var knownKeys = map[string]struct{}{
	"anonymous":     {},
	"named":         {},
	"era":           {},
	"joined_before": {},
	"joined_after":  {},
	"required_tags": {},
	"excluded_tags": {},
}

// UnknownKeyError is raised when a JSON description of Constraints carries a
// key this package doesn't recognise. It carries a "did you mean" hint when
// the set of known keys is small enough to search exhaustively, per spec
// 4.4's invariant.
type UnknownKeyError struct {
	Key       string
	Suggested string
}

func (e *UnknownKeyError) Error() string {
	if e.Suggested != "" {
		return fmt.Sprintf("constraints: unknown key %q, did you mean %q?", e.Key, e.Suggested)
	}
	return fmt.Sprintf("constraints: unknown key %q", e.Key)
}

// FromJSON parses a raw JSON description (already unmarshalled into a
// generic map) into a Constraints value, rejecting unknown keys and
// timestamps without a timezone offset.
func FromJSON(raw map[string]interface{}) (Constraints, error) {
	for key := range raw {
		if _, ok := knownKeys[key]; !ok {
			return Constraints{}, &UnknownKeyError{Key: key, Suggested: closestKey(key)}
		}
	}

	c := Universal()

	if v, ok := raw["anonymous"]; ok {
		b, ok := v.(bool)
		if !ok {
			return Constraints{}, fmt.Errorf("constraints: \"anonymous\" must be a bool")
		}
		c.Anonymous = b
	}
	if v, ok := raw["named"]; ok {
		b, ok := v.(bool)
		if !ok {
			return Constraints{}, fmt.Errorf("constraints: \"named\" must be a bool")
		}
		c.Named = b
	}
	if v, ok := raw["era"]; ok {
		s, ok := v.(string)
		if !ok {
			return Constraints{}, fmt.Errorf("constraints: \"era\" must be a string")
		}
		switch Era(s) {
		case EraOld, EraNew:
			c.Era = Era(s)
		default:
			return Constraints{}, fmt.Errorf("constraints: invalid era %q, must be \"old\" or \"new\"", s)
		}
	}
	if v, ok := raw["joined_before"]; ok {
		t, err := parseTimezoneAware(v)
		if err != nil {
			return Constraints{}, err
		}
		c.JoinedBefore = t
	}
	if v, ok := raw["joined_after"]; ok {
		t, err := parseTimezoneAware(v)
		if err != nil {
			return Constraints{}, err
		}
		c.JoinedAfter = t
	}
	if v, ok := raw["required_tags"]; ok {
		tags, err := parseTagSet(v)
		if err != nil {
			return Constraints{}, err
		}
		c.RequiredTags = tags
	}
	if v, ok := raw["excluded_tags"]; ok {
		tags, err := parseTagSet(v)
		if err != nil {
			return Constraints{}, err
		}
		c.ExcludedTags = tags
	}

	return c, nil
}

func parseTimezoneAware(v interface{}) (*time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("constraints: timestamp must be a string")
	}

	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05Z0700",
		"2006-01-02T15:04:05Z0700",
		"2006-01-02 15:04Z0700",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("constraints: cannot parse timestamp %q, or it has no timezone", s)
}

func parseTagSet(v interface{}) (map[string]struct{}, error) {
	if tags, ok := v.([]string); ok {
		out := make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			out[tag] = struct{}{}
		}
		return out, nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("constraints: tag set must be a list")
	}
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		tag, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("constraints: tag must be a string")
		}
		out[tag] = struct{}{}
	}
	return out, nil
}

// ToJSON renders c back to its wire form, omitting fields at their default.
func (c Constraints) ToJSON() map[string]interface{} {
	out := map[string]interface{}{}

	if !c.Anonymous {
		out["anonymous"] = false
	}
	if !c.Named {
		out["named"] = false
	}
	if c.Era != EraNone {
		out["era"] = string(c.Era)
	}
	if c.JoinedBefore != nil {
		out["joined_before"] = c.JoinedBefore.Format(time.RFC3339)
	}
	if c.JoinedAfter != nil {
		out["joined_after"] = c.JoinedAfter.Format(time.RFC3339)
	}
	if len(c.RequiredTags) > 0 {
		out["required_tags"] = sortedTags(c.RequiredTags)
	}
	if len(c.ExcludedTags) > 0 {
		out["excluded_tags"] = sortedTags(c.ExcludedTags)
	}

	return out
}

func sortedTags(tags map[string]struct{}) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// closestKey returns the nearest known key by Levenshtein distance, or ""
// if nothing is close enough to be a useful hint.
func closestKey(key string) string {
	best := ""
	bestDist := len(key)/2 + 2 // only suggest genuinely close matches

	for candidate := range knownKeys {
		d := levenshtein(key, candidate)
		if d < bestDist {
			best = candidate
			bestDist = d
		}
	}
	return best
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
