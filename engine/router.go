package engine

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type Router struct {
	router *http.ServeMux
}

func NewRouter() *Router {
	return &Router{router: http.NewServeMux()}
}

// Serve wires up the stdlib http server to the engine.
func (r *Router) Serve(addr string) Proc {
	return func(ctx context.Context) error {
		svr := &http.Server{Handler: r, Addr: addr}
		go func() {
			<-ctx.Done()
			slog.Warn("gracefully shutting down http server...")
			svr.Shutdown(context.Background())
		}()
		if err := svr.ListenAndServe(); err != nil {
			return err
		}
		slog.Info("the http server has shut down")
		return nil
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, rr *http.Request) { r.router.ServeHTTP(w, rr) }

// Handle mounts a plain http.Handler without the logging wrapper.
// Useful for long-lived streaming responses and the metrics endpoint.
func (r *Router) Handle(route string, h http.Handler) { r.router.Handle(route, h) }

func (r *Router) HandleFunc(route string, fn http.HandlerFunc) {
	r.router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWrapper{ResponseWriter: w, status: 200}
		fn(ww, r)
		slog.Info("http request", "url", r.URL.Path, "method", r.Method, "userAgent", r.UserAgent(), "latencyMS", time.Since(start).Milliseconds(), "status", ww.status)
	})
}

// SystemError logs the given message+args while returning a generic 500 error.
func SystemError(w http.ResponseWriter, msg string, args ...any) {
	http.Error(w, "Internal error - please try again later", 500)
	slog.Error(msg, args...)
}

// HandleError returns true if err is non-nil, logging the error and sending
// a 500 response. This allows cleaner error handling in handlers:
//
//	if engine.HandleError(w, err) {
//	    return
//	}
func HandleError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	SystemError(w, err.Error())
	return true
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (w *responseWrapper) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
