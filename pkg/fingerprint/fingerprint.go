// Package fingerprint derives a fingerprint of the browser from the headers
// of its requests. The OIDC redirect must come from the browser that started
// the login.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
)

var headerKeys = []string{"user-agent", "accept-language"}

type ctxKey string

const fingerprintKey ctxKey = "fingerprint"

func FromHTTPRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", errors.New("http request is nil")
	}

	h := sha256.New()
	for _, key := range headerKeys {
		h.Write([]byte(r.Header.Get(key)))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Middleware stores the fingerprint of the request in its context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp, _ := FromHTTPRequest(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), fingerprintKey, fp)))
	})
}

func FromContext(ctx context.Context) (string, error) {
	fp, ok := ctx.Value(fingerprintKey).(string)
	if !ok {
		return "", errors.New("no fingerprint in ctx")
	}
	return fp, nil
}
