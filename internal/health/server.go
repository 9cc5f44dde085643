package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// Heights reports the processed height per source. Optional.
	Heights func(ctx context.Context) (map[string]uint64, error)
}

// Handler serves /healthz.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := map[string]any{"status": "ok"}
		code := http.StatusOK

		check := func(name string, ping func(context.Context) error) {
			if ping == nil {
				return
			}
			if err := ping(ctx); err != nil {
				resp[name] = "fail"
				code = http.StatusServiceUnavailable
				return
			}
			resp[name] = "ok"
		}
		check("db", checker.DBPing)
		check("rpc", checker.RPCPing)

		if checker.Heights != nil {
			if heights, err := checker.Heights(ctx); err == nil {
				resp["heights"] = heights
			}
		}
		if code != http.StatusOK {
			resp["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// Serve starts the /healthz handler on addr in the background.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
