package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/howard-nolan/avacore/internal/envelope"
	"github.com/howard-nolan/avacore/internal/session"
)

// securityHeaders stamps the browser hardening headers on every response,
// including errors and 404s.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one zerolog line per request once the handler is done.
//
// middleware.WrapResponseWriter records the status code and byte count as
// the handler writes them. It also passes http.Hijacker through, which the
// socket upgrade needs.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("session", session.FromContext(r.Context())).
				Msg("request")
		})
	}
}

// recoverer turns a handler panic into an INTERNAL envelope. The panic
// value and stack go to the log; the client only gets a generic detail.
//
// A handler that panics after it started its response cannot be given an
// envelope any more. That response is aborted instead, so the client sees a
// broken connection rather than a truncated body with a success status.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww, ok := w.(middleware.WrapResponseWriter)
		if !ok {
			ww = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		}

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// net/http uses this sentinel to abort a response on purpose.
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			s.log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("handler panicked")

			if ww.Status() != 0 {
				panic(http.ErrAbortHandler)
			}
			writeReply(ww, envelope.Fail(envelope.KindInternal, "internal server error"))
		}()

		next.ServeHTTP(ww, r)
	})
}
