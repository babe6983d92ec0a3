package common

import (
	"encoding/base64"
	"fmt"

	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// EncodePageToken renders an opaque store cursor as a URL-safe token. An empty
// cursor means the last page and yields an empty token.
func EncodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageToken reverses EncodePageToken. Malformed tokens are validation
// errors since they only ever come from clients.
func DecodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	state, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: page token: %v", apperrors.ErrValidation, err)
	}
	return state, nil
}
