package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-lifecycle/internal/observability"
)

type contextKey string

const loggerKey contextKey = "logger"

// traceHeader correlates one HTTP call. Logs call it trace_id; request_id
// is the ride.
const traceHeader = "X-Request-ID"

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.traceMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

// traceMiddleware attaches a logger carrying the trace id and the ride
// entities named in the path.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(traceHeader, traceID)
		l := s.logger.With(append([]any{"trace_id", traceID}, entityAttrs(r)...)...)
		ctx := context.WithValue(r.Context(), loggerKey, l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)
		elapsed := time.Since(start)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case ww.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case ww.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietRoutes[route]:
			level = slog.LevelDebug
		}
		msg := "http_request"
		if ww.status == http.StatusSwitchingProtocols {
			// Logged when the socket closes, so the duration is the stream's.
			msg = "ws_stream"
		}
		s.log(r).Log(r.Context(), level, msg,
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log(r).Error("panic recovered", "error", rec, "route", routeTemplate(r))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// quietRoutes are polled by orchestrators and only logged at debug.
var quietRoutes = map[string]bool{"/healthz": true, "/ready": true, "/metrics": true}

// pathEntities names the {id} segment of each resource family.
var pathEntities = []struct{ prefix, key string }{
	{"/api/v1/requests/", "request_id"},
	{"/api/v1/customers/", "customer_id"},
	{"/api/v1/drivers/", "driver_id"},
	{"/ws/requests/", "request_id"},
	{"/ws/drivers/", "driver_id"},
}

// entityAttrs turns the matched path variables into log attributes.
func entityAttrs(r *http.Request) []any {
	vars := mux.Vars(r)
	var out []any
	if id := vars["id"]; id != "" {
		tmpl := routeTemplate(r)
		for _, e := range pathEntities {
			if strings.HasPrefix(tmpl, e.prefix) {
				out = append(out, e.key, id)
				break
			}
		}
	}
	if userID := vars["user_id"]; userID != "" {
		out = append(out, "user_id", userID)
	}
	return out
}

// log returns the request-scoped logger, or the server's when the request
// never went through traceMiddleware.
func (s *Server) log(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware chain.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *responseWriter) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
