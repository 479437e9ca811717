package model

import (
	"fmt"
	"net/http"
	"strings"
)

// NormalizeMethod upper-cases method and defaults an empty one to GET, the
// same default the HTTP transport applies. Only methods the operation queue
// can persist are accepted; anything else wraps ErrInvalid.
func NormalizeMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	switch m {
	case "":
		return http.MethodGet, nil
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return m, nil
	}
	return "", fmt.Errorf("%w: unsupported method %q", ErrInvalid, method)
}
