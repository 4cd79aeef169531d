package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"uplift/api/internal/certificate"
	"uplift/api/internal/renderer"
	"uplift/api/internal/store"
)

func newTestHandler(deps testDeps) http.Handler {
	return NewHTTPServer(newTestService(deps), "*").Handler()
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	var envelope map[string]any
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	return envelope
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(testDeps{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if envelope := decodeEnvelope(t, rec.Body); envelope["success"] != true {
		t.Fatalf("unexpected envelope %v", envelope)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestHandler(testDeps{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/projects", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("cors origin header missing")
	}
}

func TestSyncRequiresUserHeader(t *testing.T) {
	handler := newTestHandler(testDeps{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/projects/proj_1/sync", strings.NewReader(`{}`))
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	envelope := decodeEnvelope(t, rec.Body)
	if envelope["success"] != false || envelope["status"] != "VALIDATION" {
		t.Fatalf("unexpected envelope %v", envelope)
	}
}

func TestSyncConflictEnvelope(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return storedProject(store.StatusInProgress), nil
		},
	}
	handler := newTestHandler(testDeps{store: st})

	stale := syncToken.Add(-time.Hour).Format(time.RFC3339)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/projects/proj_1/sync",
		strings.NewReader(`{"lastDownloadedAt":"`+stale+`"}`))
	req.Header.Set("X-User-ID", "user-1")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if envelope := decodeEnvelope(t, rec.Body); envelope["status"] != "CONFLICT" {
		t.Fatalf("unexpected envelope %v", envelope)
	}
}

func TestRenderCallbackRoutesByTraceHeader(t *testing.T) {
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusRequested,
		TransactionID: "tx-123",
		SVGPath:       "certificates/proj_1/certificate_100.svg",
	})
	var swapped store.Certificate
	st := &fakeStore{
		getProjectByTransactionIDFn: func(_ context.Context, transactionID string) (store.Project, error) {
			if transactionID != "tx-123" {
				t.Fatalf("unexpected transaction %q", transactionID)
			}
			return project, nil
		},
		casCertificateFn: func(_ context.Context, _ string, _ string, cert store.Certificate) (bool, error) {
			swapped = cert
			return true, nil
		},
	}
	handler := newTestHandler(testDeps{store: st})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/certificate/callback",
		bytes.NewReader([]byte("%PDF-1.7 rendered")))
	req.Header.Set(renderer.HeaderTrace, "tx-123")
	req.Header.Set("Content-Disposition", `attachment; filename="certificate_100.pdf"`)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if swapped.Status != certificate.StatusIssued {
		t.Fatalf("callback did not issue the certificate: %+v", swapped)
	}
}

func TestRenderCallbackWithoutTraceHeader(t *testing.T) {
	handler := newTestHandler(testDeps{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/certificate/callback",
		bytes.NewReader([]byte("%PDF")))
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestVerifyRouteIsPublic(t *testing.T) {
	issuedOn := time.Now().UTC()
	st := &fakeStore{
		getProjectByIDFn: func(context.Context, string) (store.Project, error) {
			return submittedProject(store.Certificate{
				Eligible:      true,
				Status:        certificate.StatusIssued,
				TransactionID: "tx-123",
				PDFPath:       "certificates/proj_1/certificate_100.pdf",
				SVGPath:       "certificates/proj_1/certificate_100.svg",
				IssuedOn:      &issuedOn,
			}), nil
		},
	}
	handler := newTestHandler(testDeps{store: st})

	// No user headers on purpose.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/certificate/verify/proj_1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec.Body)
	result, ok := envelope["result"].(map[string]any)
	if !ok {
		t.Fatalf("missing result in %v", envelope)
	}
	if result["isCertificateVerified"] != true {
		t.Fatalf("unexpected verification %v", result)
	}
}

func TestUnknownRoute(t *testing.T) {
	handler := newTestHandler(testDeps{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if envelope := decodeEnvelope(t, rec.Body); envelope["status"] != "NOT_FOUND" {
		t.Fatalf("unexpected envelope %v", envelope)
	}
}

func TestDispositionFilename(t *testing.T) {
	if got := dispositionFilename(`attachment; filename="certificate_100.pdf"`); got != "certificate_100.pdf" {
		t.Fatalf("unexpected filename %q", got)
	}
	if got := dispositionFilename(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
