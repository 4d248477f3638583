// Package pagination pages ordered result sets with opaque keyset cursors.
// A cursor names the (created_at, id) of the last item returned; the next
// page starts strictly after it.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor represents a position in a result set ordered by (CreatedAt, ID).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Precedes reports whether the item keyed (createdAt, id) sorts after c.
// A nil cursor precedes everything.
func (c *Cursor) Precedes(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.After(c.CreatedAt)
	}
	return id > c.ID
}

// ParseLimit reads a page size, falling back to DefaultLimit for empty or
// unparseable input and clamping to [1, MaxLimit].
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// Page is one slice of a result set.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Paginate returns the page of sorted items that follows after. key extracts
// the ordering key; items must already be sorted by it.
func Paginate[T any](sorted []T, after *Cursor, limit int, key func(T) (time.Time, string)) Page[T] {
	start := 0
	if after != nil {
		start = len(sorted)
		for i, item := range sorted {
			if after.Precedes(key(item)) {
				start = i
				break
			}
		}
	}
	rest := sorted[start:]
	if len(rest) <= limit {
		return Page[T]{Items: rest}
	}
	items := rest[:limit]
	createdAt, id := key(items[len(items)-1])
	return Page[T]{Items: items, NextCursor: Encode(createdAt, id), HasMore: true}
}
