// Package directory defines the external Directory capability (spec 6): a
// way to map a user id to its join date and tag set, consumed by the
// settings resolver whenever a bucket entry carries non-universal
// constraints. The core only ever consumes this interface; the concrete
// engines (SQL, union, dummy) are external collaborators, per spec 1's
// Non-goals.
package directory

import (
	"context"
	"fmt"

	"github.com/jacquard/jacquard/pkg/constraints"
)

// Directory is the capability the settings resolver consumes. A looked-up
// user is reported as a *constraints.User directly — the original's
// separate UserEntry type carried exactly the same three fields
// (id/join_date/tags) that constraints.User already has.
type Directory interface {
	// Lookup returns the user's entry, or (nil, nil) for an unknown id.
	Lookup(ctx context.Context, userID string) (*constraints.User, error)
	// AllUsers returns every known user, for administrative listing.
	AllUsers(ctx context.Context) ([]constraints.User, error)
}

// Dummy is an in-memory Directory keyed by user id, for tests and local
// bring-up (grounded on directory/dummy.py).
type Dummy struct {
	users map[string]constraints.User
}

// NewDummy builds a Dummy directory pre-populated with users.
func NewDummy(users ...constraints.User) *Dummy {
	d := &Dummy{users: make(map[string]constraints.User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Lookup implements Directory.
func (d *Dummy) Lookup(ctx context.Context, userID string) (*constraints.User, error) {
	u, ok := d.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// AllUsers implements Directory.
func (d *Dummy) AllUsers(ctx context.Context) ([]constraints.User, error) {
	out := make([]constraints.User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	return out, nil
}

// Union combines zero or more directories into one, returning the first
// match across subdirectories in order (grounded on directory/union.py).
// A null union (no subdirectories) always misses.
type Union struct {
	subdirectories []Directory
}

// NewUnion builds a Union over the given subdirectories, consulted in
// order.
func NewUnion(subdirectories ...Directory) *Union {
	return &Union{subdirectories: subdirectories}
}

// Lookup implements Directory.
func (u *Union) Lookup(ctx context.Context, userID string) (*constraints.User, error) {
	for _, sub := range u.subdirectories {
		entry, err := sub.Lookup(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("directory: union lookup %q: %w", userID, err)
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, nil
}

// AllUsers implements Directory. Users present in multiple subdirectories
// are reported once, keeping the entry from the earliest subdirectory.
func (u *Union) AllUsers(ctx context.Context) ([]constraints.User, error) {
	seen := make(map[string]struct{})
	var out []constraints.User

	for _, sub := range u.subdirectories {
		users, err := sub.AllUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("directory: union all_users: %w", err)
		}
		for _, user := range users {
			if _, dup := seen[user.ID]; dup {
				continue
			}
			seen[user.ID] = struct{}{}
			out = append(out, user)
		}
	}
	return out, nil
}
