package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"uplift/api/internal/certificate"
	"uplift/api/internal/eligibility"
	"uplift/api/internal/renderer"
	"uplift/api/internal/store"
)

func submittedProject(cert store.Certificate) store.Project {
	project := storedProject(store.StatusSubmitted)
	project.TaskReport = store.TaskReport{"total": 1, store.StatusCompleted: 1}
	project.Certificate = cert
	return project
}

func TestIssueCertificateDispatchesRender(t *testing.T) {
	project := submittedProject(store.Certificate{})
	var certUpdates []store.Certificate
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return project, nil
		},
		updateCertificateFn: func(_ context.Context, _ string, cert store.Certificate, _ string) error {
			certUpdates = append(certUpdates, cert)
			project.Certificate = cert
			return nil
		},
	}
	objects := &fakeObjects{}
	events := &fakeEvents{}
	service := newTestService(testDeps{store: st, objects: objects, events: events})

	if err := service.IssueCertificate(context.Background(), "proj_1", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := certUpdates[len(certUpdates)-1]
	if final.Status != certificate.StatusRequested {
		t.Fatalf("expected requested, got %q", final.Status)
	}
	if final.TransactionID != "tx-123" {
		t.Fatalf("transaction id not recorded: %q", final.TransactionID)
	}
	if final.SVGPath == "" || !strings.HasSuffix(final.SVGPath, ".svg") {
		t.Fatalf("svg path not recorded: %q", final.SVGPath)
	}
	if !final.Eligible {
		t.Fatal("eligibility verdict lost")
	}
	if len(objects.uploads) != 1 || objects.uploads[0] != final.SVGPath {
		t.Fatalf("svg not uploaded before dispatch: %v", objects.uploads)
	}
	if len(events.published) == 0 || events.published[len(events.published)-1] != "certificate.requested" {
		t.Fatalf("expected certificate.requested event, got %v", events.published)
	}
}

func TestIssueCertificateIneligibleStopsBeforeRenderer(t *testing.T) {
	project := submittedProject(store.Certificate{})
	var persisted store.Certificate
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return project, nil
		},
		updateCertificateFn: func(_ context.Context, _ string, cert store.Certificate, _ string) error {
			persisted = cert
			return nil
		},
	}
	rules := &fakeRules{
		evaluateFn: func(context.Context, eligibility.Request) (eligibility.Result, error) {
			return eligibility.Result{Eligible: false, Message: "minimum tasks not completed"}, nil
		},
	}
	rendererFake := &fakeRenderer{}
	service := newTestService(testDeps{store: st, rules: rules, renderer: rendererFake})

	err := service.IssueCertificate(context.Background(), "proj_1", "user-1")
	if domainCode(t, err) != "INELIGIBLE" {
		t.Fatalf("expected INELIGIBLE, got %v", err)
	}
	if persisted.Status != certificate.StatusIneligible || persisted.Eligible {
		t.Fatalf("verdict not persisted: %+v", persisted)
	}
	if rendererFake.asyncCalls != 0 {
		t.Fatal("ineligible project must not reach the renderer")
	}
}

func TestIssueCertificateRejectedWhenNotSubmitted(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return storedProject(store.StatusInProgress), nil
		},
	}
	service := newTestService(testDeps{store: st})

	err := service.IssueCertificate(context.Background(), "proj_1", "user-1")
	if domainCode(t, err) != "REJECTED" {
		t.Fatalf("expected REJECTED, got %v", err)
	}
}

func TestIssueCertificateRejectedWhenAlreadyRequested(t *testing.T) {
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusRequested,
		TransactionID: "tx-live",
	})
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return project, nil
		},
	}
	rendererFake := &fakeRenderer{}
	service := newTestService(testDeps{store: st, renderer: rendererFake})

	err := service.IssueCertificate(context.Background(), "proj_1", "user-1")
	if domainCode(t, err) != "REJECTED" {
		t.Fatalf("expected REJECTED, got %v", err)
	}
	if rendererFake.asyncCalls != 0 {
		t.Fatal("in-flight certificate must not be re-dispatched")
	}
}

func TestIssueCertificateResumesAfterDispatchFailure(t *testing.T) {
	// A prior attempt persisted payloadBuilt but never reached the
	// renderer. The next trigger picks up without re-evaluating.
	project := submittedProject(store.Certificate{
		Eligible: true,
		Status:   certificate.StatusPayloadBuilt,
	})
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return project, nil
		},
		updateCertificateFn: func(_ context.Context, _ string, cert store.Certificate, _ string) error {
			project.Certificate = cert
			return nil
		},
	}
	rules := &fakeRules{
		evaluateFn: func(context.Context, eligibility.Request) (eligibility.Result, error) {
			t.Fatal("resume must not re-evaluate eligibility")
			return eligibility.Result{}, nil
		},
	}
	rendererFake := &fakeRenderer{}
	service := newTestService(testDeps{store: st, rules: rules, renderer: rendererFake})

	if err := service.IssueCertificate(context.Background(), "proj_1", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rendererFake.asyncCalls != 1 {
		t.Fatalf("expected one dispatch, got %d", rendererFake.asyncCalls)
	}
	if project.Certificate.Status != certificate.StatusRequested {
		t.Fatalf("expected requested, got %q", project.Certificate.Status)
	}
}

func TestHandleRenderSuccessIssuesCertificate(t *testing.T) {
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusRequested,
		TransactionID: "tx-123",
		SVGPath:       "certificates/proj_1/certificate_100.svg",
	})
	var casNext store.Certificate
	var casExpected string
	st := &fakeStore{
		getProjectByTransactionIDFn: func(_ context.Context, transactionID string) (store.Project, error) {
			if transactionID != "tx-123" {
				t.Fatalf("unexpected transaction lookup %q", transactionID)
			}
			return project, nil
		},
		casCertificateFn: func(_ context.Context, _ string, expectedStatus string, cert store.Certificate) (bool, error) {
			casExpected = expectedStatus
			casNext = cert
			return true, nil
		},
	}
	objects := &fakeObjects{}
	events := &fakeEvents{}
	service := newTestService(testDeps{store: st, objects: objects, events: events})

	body := bytes.NewReader([]byte("%PDF-1.7 rendered"))
	if err := service.HandleRenderSuccess(context.Background(), "tx-123", "certificate_100.pdf", body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if casExpected != certificate.StatusRequested {
		t.Fatalf("swap must be guarded on requested, got %q", casExpected)
	}
	if casNext.Status != certificate.StatusIssued {
		t.Fatalf("expected issued, got %q", casNext.Status)
	}
	if casNext.PDFPath != "certificates/proj_1/certificate_100.pdf" {
		t.Fatalf("pdf path not derived from svg path: %q", casNext.PDFPath)
	}
	if casNext.IssuedOn == nil {
		t.Fatal("issuedOn not stamped")
	}
	if len(objects.uploads) != 1 || objects.uploads[0] != casNext.PDFPath {
		t.Fatalf("pdf not uploaded: %v", objects.uploads)
	}
	if len(events.published) != 1 || events.published[0] != "certificate.issued" {
		t.Fatalf("expected certificate.issued event, got %v", events.published)
	}
}

func TestHandleRenderSuccessUnknownTransactionIsNoop(t *testing.T) {
	objects := &fakeObjects{}
	service := newTestService(testDeps{objects: objects})

	err := service.HandleRenderSuccess(context.Background(), "tx-unknown", "", bytes.NewReader([]byte("%PDF")))
	if err != nil {
		t.Fatalf("unknown transaction must be acknowledged, got %v", err)
	}
	if len(objects.uploads) != 0 {
		t.Fatalf("unknown transaction must not upload: %v", objects.uploads)
	}
}

func TestHandleRenderSuccessDuplicateIsNoop(t *testing.T) {
	issuedOn := time.Now().UTC()
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusIssued,
		TransactionID: "tx-123",
		PDFPath:       "certificates/proj_1/certificate_100.pdf",
		IssuedOn:      &issuedOn,
	})
	st := &fakeStore{
		getProjectByTransactionIDFn: func(context.Context, string) (store.Project, error) {
			return project, nil
		},
		casCertificateFn: func(context.Context, string, string, store.Certificate) (bool, error) {
			t.Fatal("duplicate delivery must not attempt the swap")
			return false, nil
		},
	}
	events := &fakeEvents{}
	service := newTestService(testDeps{store: st, events: events})

	err := service.HandleRenderSuccess(context.Background(), "tx-123", "", bytes.NewReader([]byte("%PDF")))
	if err != nil {
		t.Fatalf("duplicate delivery must be acknowledged, got %v", err)
	}
	if len(events.published) != 0 {
		t.Fatalf("duplicate delivery must not publish: %v", events.published)
	}
}

func TestHandleRenderSuccessLostRaceIsNoop(t *testing.T) {
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusRequested,
		TransactionID: "tx-123",
		SVGPath:       "certificates/proj_1/certificate_100.svg",
	})
	st := &fakeStore{
		getProjectByTransactionIDFn: func(context.Context, string) (store.Project, error) {
			return project, nil
		},
		casCertificateFn: func(context.Context, string, string, store.Certificate) (bool, error) {
			return false, nil
		},
	}
	events := &fakeEvents{}
	service := newTestService(testDeps{store: st, events: events})

	err := service.HandleRenderSuccess(context.Background(), "tx-123", "", bytes.NewReader([]byte("%PDF")))
	if err != nil {
		t.Fatalf("lost race must be acknowledged, got %v", err)
	}
	if len(events.published) != 0 {
		t.Fatalf("lost race must not publish: %v", events.published)
	}
}

func TestHandleRenderSuccessRejectsEmptyBody(t *testing.T) {
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusRequested,
		TransactionID: "tx-123",
		SVGPath:       "certificates/proj_1/certificate_100.svg",
	})
	st := &fakeStore{
		getProjectByTransactionIDFn: func(context.Context, string) (store.Project, error) {
			return project, nil
		},
	}
	service := newTestService(testDeps{store: st})

	err := service.HandleRenderSuccess(context.Background(), "tx-123", "", bytes.NewReader(nil))
	if domainCode(t, err) != "VALIDATION" {
		t.Fatalf("expected VALIDATION for empty document, got %v", err)
	}
}

func TestHandleRenderErrorMarksCallbackError(t *testing.T) {
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusRequested,
		TransactionID: "tx-123",
	})
	var casNext store.Certificate
	st := &fakeStore{
		getProjectByTransactionIDFn: func(context.Context, string) (store.Project, error) {
			return project, nil
		},
		casCertificateFn: func(_ context.Context, _ string, _ string, cert store.Certificate) (bool, error) {
			casNext = cert
			return true, nil
		},
	}
	events := &fakeEvents{}
	service := newTestService(testDeps{store: st, events: events})

	if err := service.HandleRenderError(context.Background(), "tx-123", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if casNext.Status != certificate.StatusCallbackError {
		t.Fatalf("expected callbackError, got %q", casNext.Status)
	}
	if casNext.Message == "" {
		t.Fatal("empty renderer message must be replaced with a default")
	}
	if len(events.published) != 1 || events.published[0] != "certificate.failed" {
		t.Fatalf("expected certificate.failed event, got %v", events.published)
	}
}

func TestReissueArchivesPriorTransactionFirst(t *testing.T) {
	issuedOn := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusIssued,
		TransactionID: "tx-old",
		PDFPath:       "certificates/proj_1/certificate_100.pdf",
		SVGPath:       "certificates/proj_1/certificate_100.svg",
		IssuedOn:      &issuedOn,
	})
	var certUpdates []store.Certificate
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return project, nil
		},
		updateCertificateFn: func(_ context.Context, _ string, cert store.Certificate, _ string) error {
			certUpdates = append(certUpdates, cert)
			return nil
		},
	}
	objects := &fakeObjects{}
	events := &fakeEvents{}
	service := newTestService(testDeps{store: st, objects: objects, events: events})

	cert, err := service.ReissueCertificate(context.Background(), "proj_1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(certUpdates) < 3 {
		t.Fatalf("expected archive, requested and issued writes, got %d", len(certUpdates))
	}
	archived := certUpdates[0]
	if archived.Status != certificate.StatusEligible {
		t.Fatalf("first write must reset to eligible, got %q", archived.Status)
	}
	if archived.TransactionID != "" || archived.PDFPath != "" {
		t.Fatalf("first write must clear the live transaction: %+v", archived)
	}
	if archived.OriginalTransactionInformation == nil ||
		archived.OriginalTransactionInformation.TransactionID != "tx-old" ||
		archived.OriginalTransactionInformation.PDFPath != "certificates/proj_1/certificate_100.pdf" {
		t.Fatalf("prior transaction not archived: %+v", archived.OriginalTransactionInformation)
	}

	requested := certUpdates[1]
	if requested.Status != certificate.StatusRequested {
		t.Fatalf("second write must be requested, got %q", requested.Status)
	}
	if requested.TransactionID == "" || requested.TransactionID == "tx-old" {
		t.Fatalf("reissue must assign a fresh transaction id, got %q", requested.TransactionID)
	}

	if cert.Status != certificate.StatusIssued || cert.IssuedOn == nil {
		t.Fatalf("expected issued certificate, got %+v", cert)
	}
	if cert.OriginalTransactionInformation == nil {
		t.Fatal("returned certificate lost the archived transaction")
	}
	if len(objects.uploads) != 2 {
		t.Fatalf("expected svg and pdf uploads, got %v", objects.uploads)
	}
	if len(events.published) != 1 || events.published[0] != "certificate.reissued" {
		t.Fatalf("expected certificate.reissued event, got %v", events.published)
	}
}

func TestReissueRejectedWhenNeverIssued(t *testing.T) {
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusRequested,
		TransactionID: "tx-live",
	})
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return project, nil
		},
	}
	service := newTestService(testDeps{store: st})

	_, err := service.ReissueCertificate(context.Background(), "proj_1", "user-1")
	if domainCode(t, err) != "REJECTED" {
		t.Fatalf("expected REJECTED, got %v", err)
	}
}

func TestReissueRejectedWhenIneligible(t *testing.T) {
	project := submittedProject(store.Certificate{
		Eligible: false,
		Status:   certificate.StatusIneligible,
		Message:  "minimum tasks not completed",
	})
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return project, nil
		},
	}
	service := newTestService(testDeps{store: st})

	_, err := service.ReissueCertificate(context.Background(), "proj_1", "user-1")
	if domainCode(t, err) != "REJECTED" {
		t.Fatalf("expected REJECTED, got %v", err)
	}
}

func TestReissueRenderFailureMarksCallbackError(t *testing.T) {
	issuedOn := time.Now().UTC()
	project := submittedProject(store.Certificate{
		Eligible:      true,
		Status:        certificate.StatusIssued,
		TransactionID: "tx-old",
		PDFPath:       "certificates/proj_1/certificate_100.pdf",
		SVGPath:       "certificates/proj_1/certificate_100.svg",
		IssuedOn:      &issuedOn,
	})
	var certUpdates []store.Certificate
	st := &fakeStore{
		getProjectFn: func(context.Context, string, string) (store.Project, error) {
			return project, nil
		},
		updateCertificateFn: func(_ context.Context, _ string, cert store.Certificate, _ string) error {
			certUpdates = append(certUpdates, cert)
			return nil
		},
	}
	rendererFake := &fakeRenderer{
		renderFn: func(context.Context, renderer.Job) ([]byte, error) {
			return nil, errors.New("chromium timed out")
		},
	}
	service := newTestService(testDeps{store: st, renderer: rendererFake})

	_, err := service.ReissueCertificate(context.Background(), "proj_1", "user-1")
	if domainCode(t, err) != "UPSTREAM_FAILURE" {
		t.Fatalf("expected UPSTREAM_FAILURE, got %v", err)
	}

	final := certUpdates[len(certUpdates)-1]
	if final.Status != certificate.StatusCallbackError {
		t.Fatalf("expected callbackError, got %q", final.Status)
	}
	if final.Message == "" {
		t.Fatal("failure reason not recorded")
	}
}

func TestWithWorkDirRemovesDirOnError(t *testing.T) {
	var dir string
	err := withWorkDir("certificate-test-", func(d string) error {
		dir = d
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatalf("work dir not removed: %v", statErr)
	}
}
