package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorized checks the shared ingest token. The server binds to localhost
// by default; the token mainly keeps other local users and stray browser
// tabs out. Hook scripts send it as a Bearer header; the dashboard's
// WebSocket cannot set headers, so a token query parameter is accepted too.
func (s *Server) authorized(r *http.Request) bool {
	want := []byte(s.cfg.Token)
	if len(want) == 0 {
		return true
	}
	for _, presented := range []string{
		r.URL.Query().Get("token"),
		strings.TrimPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer "),
	} {
		presented = strings.TrimSpace(presented)
		if presented == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(presented), want) == 1 {
			return true
		}
	}
	return false
}
