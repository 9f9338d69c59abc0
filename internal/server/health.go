package server

import (
	"io"
	"net/http"
)

// plainCT is pre-allocated so direct header-map assignment skips the
// []string alloc Header.Set would make per probe.
var plainCT = []string{"text/plain; charset=utf-8"}

// handleHealthz is the liveness probe: the process is up.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, "ok")
}

// handleReadyz is the readiness probe. The store must answer: a request
// admitted now has to be authenticable and loggable.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writePlain(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writePlain(w, http.StatusOK, "ready")
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	io.WriteString(w, body)
}
