package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidPageToken = errors.New("pagination: invalid pageToken")

// Cursor is the opaque payload carried by page tokens.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
}

// EncodeToken serialises the cursor into a base64 URL-safe page token.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a page token produced by EncodeToken.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}

// TimeKey positions a listing ordered by (time desc, id desc).
type TimeKey struct {
	At time.Time
	ID string
}

// Before reports whether k sorts strictly after other in a newest-first listing.
func (k TimeKey) Before(other TimeKey) bool {
	if k.At.Equal(other.At) {
		return k.ID < other.ID
	}
	return k.At.Before(other.At)
}

// EncodeTimeKey builds the token resuming a newest-first listing after key.
func EncodeTimeKey(key TimeKey) (string, error) {
	return EncodeToken(Cursor{StartAfter: []any{key.At.UTC().Format(time.RFC3339Nano), key.ID}})
}

// DecodeTimeKey parses a token produced by EncodeTimeKey. An empty token yields ok=false.
func DecodeTimeKey(token string) (key TimeKey, ok bool, err error) {
	cursor, err := DecodeToken(token)
	if err != nil {
		return TimeKey{}, false, err
	}
	if len(cursor.StartAfter) == 0 {
		return TimeKey{}, false, nil
	}
	if len(cursor.StartAfter) != 2 {
		return TimeKey{}, false, fmt.Errorf("%w: unexpected cursor shape", ErrInvalidPageToken)
	}
	rawTime, okTime := cursor.StartAfter[0].(string)
	id, okID := cursor.StartAfter[1].(string)
	if !okTime || !okID || strings.TrimSpace(id) == "" {
		return TimeKey{}, false, fmt.Errorf("%w: unexpected cursor values", ErrInvalidPageToken)
	}
	at, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return TimeKey{}, false, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return TimeKey{At: at.UTC(), ID: id}, true, nil
}
