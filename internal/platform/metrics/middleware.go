package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusRecorder remembers the first status written through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RequestMiddleware counts every request, counts 4xx/5xx answers as errors
// and observes latency per chi route pattern. Uploads can be large, so the
// route label keeps /api/transcribe latency apart from the cheap endpoints.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			m.IncRequests()
			if rec.status >= http.StatusBadRequest {
				m.IncErrors()
			}
			m.ObserveRequest(routePattern(r), rec.status, time.Since(start))
		})
	}
}

// routePattern is read after routing so it names the matched route, not the
// raw path; unmatched requests share one label.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
