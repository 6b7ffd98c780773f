package api

import (
	"net/http"
	hpprof "net/http/pprof"

	"taskd/internal/auth"
)

func mountPprof(mux *http.ServeMux) {
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authorize(auth.CallerFrom(r.Context()), auth.JobAdmin); err != nil {
				writeError(w, err)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("GET /debug/pprof/", admin(hpprof.Index))
	mux.HandleFunc("GET /debug/pprof/cmdline", admin(hpprof.Cmdline))
	mux.HandleFunc("GET /debug/pprof/profile", admin(hpprof.Profile))
	mux.HandleFunc("GET /debug/pprof/symbol", admin(hpprof.Symbol))
	mux.HandleFunc("GET /debug/pprof/trace", admin(hpprof.Trace))
}
