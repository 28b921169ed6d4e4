// Package buckets implements the fixed-cardinality bucket ring (spec 4.5)
// and the release/close algorithm that allocates and retracts an
// experiment's entries across it (spec 4.6).
package buckets

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/jacquard/jacquard/pkg/constraints"
	"github.com/jacquard/jacquard/pkg/log"
)

var logger = log.WithComponent("buckets")

// NumBuckets is the compile-time partition count. It is divisible by each
// of {2,3,4,5,6,10,100} and at least 300 (>=3 buckets per percentage
// point), per spec 3. It must never change across a store's lifetime.
const NumBuckets = 1000

func init() {
	for _, divisor := range []int{2, 3, 4, 5, 6, 10, 100} {
		if NumBuckets%divisor != 0 {
			panic(fmt.Sprintf("buckets: NumBuckets %d is not divisible by %d", NumBuckets, divisor))
		}
	}
	if NumBuckets/100 < 3 {
		panic("buckets: NumBuckets must give at least 3 buckets per percentage point")
	}
}

// Key identifies the release an Entry belongs to: [experiment_id, branch_id]
// for an ordinary release, or ["__ROLLOUT__", setting] for a rollout. It is
// opaque outside this package — used only for removal and coverage checks.
type Key [2]string

// RolloutBranchID is the synthetic branch id used by single-setting
// rollouts (spec 3).
const RolloutBranchID = "__ROLLOUT__"

// Entry is one conditionally-applied contribution to a Bucket.
type Entry struct {
	Key         Key
	Settings    map[string]interface{}
	Constraints constraints.Constraints
}

// Bucket is the record stored under "buckets/<index>". Entry order is
// preserved because later entries override earlier ones on setting
// collision within GetSettings.
type Bucket struct {
	pk      string
	Entries []Entry
}

// NewBucket constructs an empty, unattached Bucket for pk (a decimal bucket
// index as a string).
func NewBucket(pk string) *Bucket {
	return &Bucket{pk: pk}
}

// StorageName implements odm.Model.
func (b *Bucket) StorageName() string { return "buckets" }

// PK implements odm.Model.
func (b *Bucket) PK() string { return b.pk }

// Validate implements odm.Model. Entries are free-form enough that the only
// hard invariant worth checking here is absence of duplicate keys, which
// release/close are responsible for maintaining.
func (b *Bucket) Validate() error {
	seen := make(map[Key]struct{}, len(b.Entries))
	for _, e := range b.Entries {
		if _, dup := seen[e.Key]; dup {
			return fmt.Errorf("buckets: duplicate entry key %v in bucket %s", e.Key, b.pk)
		}
		seen[e.Key] = struct{}{}
	}
	return nil
}

type entryJSON struct {
	Key         Key                    `json:"key"`
	Settings    map[string]interface{} `json:"settings"`
	Constraints map[string]interface{} `json:"constraints"`
}

type bucketJSON struct {
	Entries []entryJSON `json:"entries"`
}

// MarshalFields implements odm.Model.
func (b *Bucket) MarshalFields() (json.RawMessage, error) {
	out := bucketJSON{Entries: make([]entryJSON, len(b.Entries))}
	for i, e := range b.Entries {
		out.Entries[i] = entryJSON{
			Key:         e.Key,
			Settings:    e.Settings,
			Constraints: e.Constraints.ToJSON(),
		}
	}
	return json.Marshal(out)
}

// UnmarshalFields implements odm.Model.
func (b *Bucket) UnmarshalFields(raw json.RawMessage) error {
	var decoded bucketJSON
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("buckets: decode bucket %s: %w", b.pk, err)
	}

	entries := make([]Entry, len(decoded.Entries))
	for i, e := range decoded.Entries {
		c, err := constraints.FromJSON(e.Constraints)
		if err != nil {
			return fmt.Errorf("buckets: decode constraints for entry %v: %w", e.Key, err)
		}
		entries[i] = Entry{Key: e.Key, Settings: e.Settings, Constraints: c}
	}
	b.Entries = entries
	return nil
}

// UpgradeRawData implements odm.RawUpgrader: a stored bare JSON array is an
// old-format bucket, read as {"entries": <list>} (spec 3).
func (b *Bucket) UpgradeRawData(raw json.RawMessage) (json.RawMessage, error) {
	var probe []json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		// Not a bare array; assume it's already in the current shape.
		return raw, nil
	}
	return json.Marshal(bucketJSON{Entries: legacyEntries(probe)})
}

func legacyEntries(raw []json.RawMessage) []entryJSON {
	// The old format stored each entry as a 3-tuple [key, settings,
	// constraints] rather than an object; decode defensively and skip
	// anything that doesn't match.
	entries := make([]entryJSON, 0, len(raw))
	for _, item := range raw {
		var tuple []json.RawMessage
		if err := json.Unmarshal(item, &tuple); err != nil || len(tuple) != 3 {
			continue
		}
		var e entryJSON
		if err := json.Unmarshal(tuple[0], &e.Key); err != nil {
			continue
		}
		_ = json.Unmarshal(tuple[1], &e.Settings)
		_ = json.Unmarshal(tuple[2], &e.Constraints)
		entries = append(entries, e)
	}
	return entries
}

// Add appends a new entry. Callers are responsible for calling this only on
// instances attached to an odm.Session, then letting flush persist it.
func (b *Bucket) Add(key Key, settings map[string]interface{}, c constraints.Constraints) {
	b.Entries = append(b.Entries, Entry{Key: key, Settings: settings, Constraints: c})
}

// Remove filters out every entry with the given key.
func (b *Bucket) Remove(key Key) {
	kept := b.Entries[:0]
	for _, e := range b.Entries {
		if e.Key != key {
			kept = append(kept, e)
		}
	}
	b.Entries = kept
}

// Covers reports whether any entry in this bucket carries key.
func (b *Bucket) Covers(key Key) bool {
	for _, e := range b.Entries {
		if e.Key == key {
			return true
		}
	}
	return false
}

// Empty reports whether this bucket has no entries, in which case it should
// be removed from the store rather than retained (spec 3).
func (b *Bucket) Empty() bool {
	return len(b.Entries) == 0
}

// NeedsConstraints reports whether any entry carries non-universal
// constraints, letting callers skip a directory lookup for pure
// default/experiment merges (spec 4.5).
func (b *Bucket) NeedsConstraints() bool {
	for _, e := range b.Entries {
		if !e.Constraints.IsUniversal() {
			return true
		}
	}
	return false
}

// GetSettings merges settings from every entry whose constraints are
// universal or match user, in entry order, so later entries win on key
// collision (spec 4.5).
func (b *Bucket) GetSettings(user *constraints.User, ctx constraints.Context) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, e := range b.Entries {
		if e.Constraints.IsUniversal() || e.Constraints.MatchesUser(user, ctx) {
			for k, v := range e.Settings {
				merged[k] = v
			}
		}
	}
	return merged
}

// ConstraintSettings pairs one entry's constraints with the setting names
// it contributes, for diagnosing release conflicts (spec 6 / original
// buckets/models.py:affected_settings_by_constraints).
type ConstraintSettings struct {
	Constraints constraints.Constraints
	Settings    map[string]struct{}
}

// AffectedSettingsByConstraints groups this bucket's entries by their
// (JSON-encoded) constraints, since constraints.Constraints itself carries
// map fields and so cannot be a Go map key directly.
func (b *Bucket) AffectedSettingsByConstraints() []ConstraintSettings {
	order := make([]string, 0, len(b.Entries))
	byKey := make(map[string]*ConstraintSettings)

	for _, e := range b.Entries {
		encoded, _ := json.Marshal(e.Constraints.ToJSON())
		key := string(encoded)

		group, ok := byKey[key]
		if !ok {
			group = &ConstraintSettings{Constraints: e.Constraints, Settings: make(map[string]struct{})}
			byKey[key] = group
			order = append(order, key)
		}
		for name := range e.Settings {
			group.Settings[name] = struct{}{}
		}
	}

	out := make([]ConstraintSettings, len(order))
	for i, key := range order {
		out[i] = *byKey[key]
	}
	return out
}

// UserBucket hashes userID to its bucket index: SHA-256 of the UTF-8
// encoding of the stringified id, interpreted as a big-endian unsigned
// integer, reduced modulo NumBuckets. This choice must stay stable across
// releases, since re-hashing would reshuffle every live experiment.
func UserBucket(userID string) int {
	digest := sha256.Sum256([]byte(userID))
	n := new(big.Int).SetBytes(digest[:])
	mod := new(big.Int).SetInt64(NumBuckets)
	return int(new(big.Int).Mod(n, mod).Int64())
}

// BucketStorageKey returns the logical kv key for bucket index idx.
func BucketStorageKey(idx int) string {
	return fmt.Sprintf("buckets/%d", idx)
}
