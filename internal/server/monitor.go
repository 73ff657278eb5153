package server

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/handlers"

	"tftpd-server/internal/version"
)

// startMonitor exposes the stats endpoint when monitoring is enabled. The
// endpoint is read-only and unauthenticated; bind it to localhost or a
// management network.
func (s *Server) startMonitor() error {
	if !s.cfg.Monitoring.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("tftpd-server " + version.Get().String() + "\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.stats.Snapshot())
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		ev := s.events.snapshot(limit)
		if ev == nil {
			ev = []Event{}
		}
		writeJSON(w, ev)
	})

	h := handlers.CombinedLoggingHandler(os.Stdout, handlers.CompressHandler(mux))

	ln, err := net.Listen("tcp", s.cfg.Monitoring.Listen)
	if err != nil {
		return err
	}
	s.monitorLn = ln
	s.logf(levelInfo, "monitor endpoint on http://%s", ln.Addr())

	go func() {
		// Serve returns when the listener is closed during shutdown.
		_ = http.Serve(ln, h)
	}()
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
