package webapp

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// bearerAuth rejects requests that do not carry token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) listSuspensions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Suspensions.Snapshot())
}

func (s *Server) resetSuspensions(w http.ResponseWriter, _ *http.Request) {
	s.Suspensions.ResetAll()
	log.Info().Msg("all engine suspensions reset")
	writeJSON(w, http.StatusOK, s.Suspensions.Snapshot())
}

func (s *Server) resetSuspension(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "engine")
	if !s.knownEngine(id) {
		writeError(w, http.StatusNotFound, "Unknown engine")
		return
	}
	s.Suspensions.Reset(id)
	log.Info().Str("engine", id).Msg("engine suspension reset")
	rec, _ := s.Suspensions.Get(id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) knownEngine(id string) bool {
	for _, d := range s.Engines {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) cacheState(w http.ResponseWriter, _ *http.Request) {
	if s.EngineCache == nil {
		writeError(w, http.StatusNotFound, "Engine cache is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.EngineCache.State())
}

// cacheMaintenance runs maintenance in the serving process, so the live
// mirror is updated directly. Failed refreshes are reported in the body.
func (s *Server) cacheMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.EngineCache == nil {
		writeError(w, http.StatusNotFound, "Engine cache is not configured")
		return
	}
	rep, err := s.EngineCache.Maintenance(r.Context(), s.Fetchers)
	if err != nil {
		log.Error().Err(err).Msg("engine cache maintenance failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	log.Info().
		Int("removed", len(rep.Removed)).
		Int("refreshed", len(rep.Refreshed)).
		Int("failed", len(rep.Failed)).
		Msg("engine cache maintenance done")
	writeJSON(w, http.StatusOK, rep)
}
