package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"iptv-gate/work/logger"
)

// gzipWriterPool maintains a reusable pool of gzip writers to avoid repeated
// allocation overhead on every compressed response. Writers are initialized
// at BestSpeed compression level, prioritizing throughput over ratio for
// playlist and admin API responses.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter wraps an http.ResponseWriter with a gzip-compressing
// io.Writer, intercepting Write calls to transparently compress response
// bodies. It tracks header write state to ensure proper status code handling.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

// WriteHeader records the HTTP status code on the underlying ResponseWriter
// and marks the header as written.
func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

// Write compresses and writes the byte slice to the underlying gzip writer,
// defaulting the status to 200 OK on the first chunk.
func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush ensures both the gzip compression buffer and the underlying HTTP
// response writer are flushed to the client.
func (w *gzipResponseWriter) Flush() {
	// flush the gzip writer's internal buffer first
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}

	// then flush the underlying response writer if it supports it
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GzipMiddleware wraps an http.HandlerFunc with transparent gzip response
// compression. Requests from clients that do not advertise gzip support are
// passed through unmodified. The pooled writer's full lifecycle is managed
// here: acquisition, reset to the current response writer, deferred close
// and return to the pool.
//
// Stream relay responses must never pass through this middleware: media
// bytes are opaque and compressing them only burns CPU.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		// pass through if the client doesn't accept gzip encoding
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		// set the appropriate encoding header and remove content-length
		// since compressed size is unknown until fully written
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		// acquire a gzip writer from the pool and reset it for this response
		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware - GzipMiddleware} failed to close gzip writer for: %s %s - %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		// wrap the response writer with our gzip-compressing writer
		gzw := &gzipResponseWriter{
			Writer:         gz,
			ResponseWriter: w,
		}

		// hand off to the next handler with the compressed writer
		next(gzw, r)
	}
}
