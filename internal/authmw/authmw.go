// Package authmw provides bearer token authentication for the intake API.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const realm = `Bearer realm="intake"`

// BearerToken returns middleware that accepts a request when its
// Authorization header carries any of tokens. Several tokens allow rotation
// without downtime. Empty tokens are ignored; with none left every request
// is rejected.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t != "" {
			accepted = append(accepted, []byte(t))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				deny(w, "missing or malformed authorization header")
				return
			}
			if !match(accepted, got) {
				deny(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearer extracts the credentials of a Bearer header. The scheme is
// case-insensitive.
func bearer(h string) ([]byte, bool) {
	scheme, cred, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, false
	}
	cred = strings.TrimSpace(cred)
	if cred == "" {
		return nil, false
	}
	return []byte(cred), true
}

// match compares against every token so timing does not reveal which one
// was close.
func match(accepted [][]byte, got []byte) bool {
	found := 0
	for _, want := range accepted {
		found |= subtle.ConstantTimeCompare(got, want)
	}
	return found == 1
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", realm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
