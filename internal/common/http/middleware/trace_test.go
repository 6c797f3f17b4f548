package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"faasrt/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func newTraceRouter(cfg TraceConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceContextMiddlewareWithConfig(cfg), AccessLogMiddleware())
	r.GET("/ids", func(c *gin.Context) {
		ctxTrace, _ := c.Request.Context().Value(contextkey.TraceID).(string)
		c.JSON(http.StatusOK, gin.H{
			"gin":     c.GetString(traceIDContextKey),
			"ctx":     ctxTrace,
			"request": c.GetString(requestIDContextKey),
		})
	})
	return r
}

func TestTraceHeaders(t *testing.T) {
	r := newTraceRouter(TraceConfig{TrustTraceHeader: true})
	req := httptest.NewRequest(http.MethodGet, "/ids", nil)
	req.Header.Set(traceIDHeader, "trace-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(traceIDHeader) != "trace-1" {
		t.Fatalf("trusted trace id not kept: %q", w.Header().Get(traceIDHeader))
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("request id not minted")
	}
	if body := w.Body.String(); body != `{"ctx":"trace-1","gin":"trace-1","request":"`+w.Header().Get(requestIDHeader)+`"}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestTraceHeaderUntrusted(t *testing.T) {
	r := newTraceRouter(TraceConfig{})
	req := httptest.NewRequest(http.MethodGet, "/ids", nil)
	req.Header.Set(traceIDHeader, "forged")
	req.Header.Set(requestIDHeader, "req-9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(traceIDHeader); got == "" || got == "forged" {
		t.Fatalf("untrusted trace id should be replaced, got %q", got)
	}
	if w.Header().Get(requestIDHeader) != "req-9" {
		t.Fatalf("request id should be kept")
	}
}
