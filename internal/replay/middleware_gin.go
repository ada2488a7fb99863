package replay

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/datacleanup/tally/internal/accountctx"
	obsmetrics "github.com/datacleanup/tally/internal/observability/metrics"
)

const (
	// HeaderIdempotencyKey opts a request into response replay.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed marks a response served from the cache.
	HeaderReplayed = "Idempotency-Replayed"
)

type bufferedWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// GinMiddleware replays the cached response for a repeated Idempotency-Key
// instead of re-executing the handler. The body is fully buffered on the way
// out so a replayed caller gets byte-identical output.
func GinMiddleware(store Store, log *zap.Logger, obsMetrics *obsmetrics.Metrics) gin.HandlerFunc {
	log = log.Named("replay")
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		scope := c.ClientIP()
		if accountID, ok := accountctx.AccountIDFromContext(c.Request.Context()); ok {
			scope = accountID.String()
		}
		storeKey := fmt.Sprintf("replay:%s:%s", scope, key)
		fingerprint := Fingerprint(c.Request.Method, c.FullPath(), body)

		cached, err := store.Begin(c.Request.Context(), storeKey, fingerprint)
		switch {
		case err == ErrInFlight:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "request_in_flight"})
			return
		case err == ErrKeyReuse:
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reuse"})
			return
		case err != nil:
			log.Warn("replay lookup failed, executing request", zap.Error(err))
		case cached != nil:
			for name, values := range cached.Header {
				for _, v := range values {
					c.Writer.Header().Add(name, v)
				}
			}
			c.Writer.Header().Set(HeaderReplayed, "true")
			c.Writer.WriteHeader(cached.Status)
			_, _ = c.Writer.Write(cached.Body)
			if obsMetrics != nil {
				obsMetrics.RecordReplayHit(c.Request.Context(), c.FullPath())
			}
			c.Abort()
			return
		}

		writer := &bufferedWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status >= http.StatusInternalServerError {
			// Server faults are retryable; drop the marker so the retry
			// re-executes instead of replaying a failure.
			if err := store.Abandon(c.Request.Context(), storeKey); err != nil {
				log.Warn("failed to drop in-flight marker", zap.Error(err))
			}
			return
		}

		err = store.Complete(c.Request.Context(), storeKey, CachedResponse{
			Status:      status,
			Header:      writer.Header().Clone(),
			Body:        writer.buf.Bytes(),
			Fingerprint: fingerprint,
		})
		if err != nil {
			log.Warn("failed to store response for replay", zap.Error(err))
		}
	}
}
