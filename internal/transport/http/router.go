package http

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"proctored-assessment-service/internal/metrics"

	"github.com/gorilla/mux"
)

// NewRouter wires health, metrics, the authenticated attempt API and the
// proctoring websocket.
func NewRouter(attempts *AttemptHandler, gateway *ProctorGateway, auth *Authenticator, m *metrics.Metrics, log *slog.Logger) *mux.Router {
	if log == nil {
		log = slog.Default()
	}
	router := mux.NewRouter()
	router.Use(requestLogger(log, m))

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	if gateway != nil {
		// the gateway authenticates itself so browsers can pass the token as a query param
		router.HandleFunc("/ws/proctor", gateway.ServeWS).Methods(http.MethodGet)
	}

	api := router.PathPrefix("").Subrouter()
	api.Use(auth.Middleware)
	attempts.Register(api)
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func requestLogger(log *slog.Logger, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			elapsed := time.Since(start)
			m.ObserveRequest(route, strconv.Itoa(rec.status), elapsed)
			log.Debug("http request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", elapsed))
		})
	}
}
