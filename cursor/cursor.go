// Package cursor implements the opaque pagination cursor used by delta
// queries. A cursor encodes the (updatedAt, lastID) pair of the last row a
// client consumed; re-presenting an old cursor is always safe and re-yields
// anything not yet consumed.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Cursor marks the exclusive lower bound of a delta query in the
// (updatedAt, id) total order. The zero value means "beginning of time".
type Cursor struct {
	UpdatedAt time.Time
	LastID    string
}

// wireCursor is the JSON shape inside the encoded token. Clients treat the
// token as a black box and only ever pass back values they received.
type wireCursor struct {
	T time.Time `json:"t"`
	I string    `json:"i"`
}

// New returns a cursor positioned after the row (updatedAt, lastID).
func New(updatedAt time.Time, lastID string) Cursor {
	return Cursor{UpdatedAt: updatedAt, LastID: lastID}
}

// IsZero reports whether the cursor is the "beginning of time" sentinel.
func (c Cursor) IsZero() bool {
	return c.UpdatedAt.IsZero() && c.LastID == ""
}

// Encode renders the cursor as an opaque token. Encoding is stable across
// Encode/Decode round trips.
func (c Cursor) Encode() string {
	data, err := json.Marshal(wireCursor{T: c.UpdatedAt.UTC(), I: c.LastID})
	if err != nil {
		// wireCursor contains only a time and a string; this cannot fail.
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses a previously encoded token. Empty, malformed, or foreign
// input never fails the caller: it yields the zero cursor so sync can always
// make forward progress from the beginning rather than erroring out on
// corrupted client state.
func Decode(token string) Cursor {
	if token == "" {
		return Cursor{}
	}

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Tolerate padded tokens from older clients.
		data, err = base64.StdEncoding.DecodeString(token)
		if err != nil {
			return Cursor{}
		}
	}

	var w wireCursor
	if err := json.Unmarshal(data, &w); err != nil {
		return Cursor{}
	}
	return Cursor{UpdatedAt: w.T, LastID: w.I}
}
