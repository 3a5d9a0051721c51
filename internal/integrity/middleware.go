package integrity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kk-code-lab/ff3/internal/clock"
)

type requestIDKey struct{}

// RequestID returns the id assigned to the request by LoggingMiddleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggingMiddleware logs one line per request with its method, path,
// status, duration, request id and a summary of a JSON body.
func LoggingMiddleware(next http.Handler, log *slog.Logger, clk clock.Clock) http.Handler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clk.Now()
		body, summary := readAndSummarizeBody(r)
		if body != nil {
			r.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
		}
		reqID := uuid.NewString()
		rw := &statusWriter{ResponseWriter: w, reqID: reqID}
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"dur_ms", clk.Now().Sub(start).Milliseconds(),
			"req_id", reqID,
			"summary", summary,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	reqID  string
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.Header().Set("X-Request-Id", w.reqID)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func readAndSummarizeBody(r *http.Request) ([]byte, string) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, "none"
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return nil, "read_error"
	}
	if len(data) == 0 {
		return data, "empty"
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data, "non_json"
	}
	parts := make([]string, 0, 3)
	for _, key := range []string{"sha256", "path", "ws"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				parts = append(parts, key+"="+v)
			}
		case float64:
			parts = append(parts, key+"="+strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	if len(parts) == 0 {
		return data, "json"
	}
	return data, strings.Join(parts, ",")
}
