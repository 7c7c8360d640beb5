package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func echoBody(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.String(http.StatusRequestEntityTooLarge, err.Error())
	}
	return c.String(http.StatusOK, string(body))
}

func serveCompressed(t *testing.T, limit int64, body []byte, encoding string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.POST("/", echoBody, DecompressRequest(limit))
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if encoding != "" {
		req.Header.Set(echo.HeaderContentEncoding, encoding)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDecompressRequestInflatesGzip(t *testing.T) {
	payload := []byte(`[{"type":"ADD_LIST","payload":{"id":2,"title":"Waiting for parts"}}]`)
	rec := serveCompressed(t, 1024, gzipBytes(t, payload), "gzip")
	if rec.Code != http.StatusOK || rec.Body.String() != string(payload) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDecompressRequestPassesPlainBodies(t *testing.T) {
	rec := serveCompressed(t, 1024, []byte("plain"), "")
	if rec.Code != http.StatusOK || rec.Body.String() != "plain" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDecompressRequestRejectsInvalidGzip(t *testing.T) {
	rec := serveCompressed(t, 1024, []byte("not gzip"), "gzip")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDecompressRequestCapsInflatedSize(t *testing.T) {
	payload := []byte(strings.Repeat("a", 4096))
	rec := serveCompressed(t, 1024, gzipBytes(t, payload), "GZIP")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected inflated body to be capped, got %d", rec.Code)
	}
}

func TestAcceptsEncoding(t *testing.T) {
	if !acceptsEncoding("br, gzip", "gzip") {
		t.Fatal("expected gzip in list")
	}
	if acceptsEncoding("deflate", "gzip") {
		t.Fatal("unexpected gzip match")
	}
}
