// Package pagination implements opaque keyset cursors for list endpoints.
//
// A cursor names the (createdAt, id) position of the last item served; the
// next page resumes strictly after it. Ordering must be stable on both keys
// for the cursor to be exact under concurrent inserts.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor string cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a decoded position in a keyset-ordered result set.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a position into an opaque URL-safe string.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor string. An empty string decodes to a nil cursor,
// meaning start from the beginning.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	sep := strings.IndexByte(string(raw), '|')
	if sep < 0 {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(string(raw[:sep]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        string(raw[sep+1:]),
	}, nil
}

// ComputePage trims a limit+1 fetch down to one page. key extracts the
// position of an item; the returned cursor points at the last served item
// and the bool reports whether more rows exist.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
