package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/solucity-dev/solucity-sub000/internal/platform/httpx"
)

var errBodyTooLarge = errors.New("request body too large")

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeBody reads a JSON object into dst and writes the error response itself. An empty body
// is accepted unless required is set.
func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "unable to read request body", http.StatusBadRequest))
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if required {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "request body is required", http.StatusBadRequest))
			return false
		}
		return true
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}
