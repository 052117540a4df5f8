package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
)

var ErrInvalidPageSize = errors.New("pagination: invalid pageSize")

// Params holds the paging inputs taken from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options bound the accepted page size.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest reads pageSize and pageToken from the query string. The token is validated
// but kept opaque.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	query := r.URL.Query()

	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	size := opts.DefaultPageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, maxSize)

	if raw := strings.TrimSpace(query.Get("pageSize")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
		}
		if value <= 0 {
			return Params{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
		}
		size = min(value, maxSize)
	}

	token := strings.TrimSpace(query.Get("pageToken"))
	if _, err := DecodeToken(token); err != nil {
		return Params{}, err
	}
	return Params{PageSize: size, PageToken: token}, nil
}
