package transport

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
)

// NewRouter routes the websocket endpoint, a health check and, when
// metrics is not nil, the metrics endpoint.
func NewRouter(server *Server, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog)
	r.Handle("/ws", server).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return r
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		logger.Debugf("%s %s %d %dB %s", r.Method, r.URL.Path, m.Code, m.Written, m.Duration)
	})
}
