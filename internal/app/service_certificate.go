package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"uplift/api/internal/certificate"
	"uplift/api/internal/eligibility"
	"uplift/api/internal/renderer"
	"uplift/api/internal/store"
)

// IssueCertificate runs the asynchronous issuance pipeline: evaluate
// eligibility, build the render payload, upload the populated SVG for
// durability, dispatch to the renderer and record the transaction id.
// The PDF arrives later through the render callback.
func (s *Service) IssueCertificate(ctx context.Context, projectID, userID string) error {
	project, err := s.store.GetProject(ctx, projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("project not found")
	}
	if err != nil {
		return err
	}
	if project.Status != store.StatusSubmitted {
		return rejectedError("certificates are only issued for submitted projects")
	}

	cert := project.Certificate
	switch certificateStatus(cert) {
	case certificate.StatusNotEvaluated:
		result, err := s.rules.Evaluate(ctx, eligibility.Request{
			ProjectID:           project.ID,
			SolutionID:          project.SolutionInfo.ID,
			Status:              project.Status,
			TaskReport:          project.TaskReport,
			CertificateCriteria: project.SolutionInfo.CertificateCriteria,
		})
		if err != nil {
			return upstreamError("eligibility evaluation failed", err)
		}
		cert.Eligible = result.Eligible
		cert.Message = result.Message
		if !result.Eligible {
			cert.Status = certificate.StatusIneligible
			if err := s.store.UpdateCertificate(ctx, project.ID, cert, userID); err != nil {
				return err
			}
			project.Certificate = cert
			s.publish(ctx, "certificate.evaluated", project)
			return ineligibleError(result.Message)
		}
		cert.Status = certificate.StatusEligible
		if err := s.store.UpdateCertificate(ctx, project.ID, cert, userID); err != nil {
			return err
		}
	case certificate.StatusEligible, certificate.StatusPayloadBuilt:
		// A prior attempt failed before dispatch; pick up from eligible.
		cert.Status = certificate.StatusEligible
	default:
		return rejectedError("certificate issuance is already " + cert.Status)
	}

	payload, err := s.buildRenderPayload(ctx, project)
	if err != nil {
		return err
	}
	cert.Status = certificate.StatusPayloadBuilt
	if err := s.store.UpdateCertificate(ctx, project.ID, cert, userID); err != nil {
		return err
	}

	// Upload the populated SVG before dispatch so the artifact survives
	// a renderer that never calls back.
	if err := s.objects.Upload(ctx, payload.SVGPath, strings.NewReader(payload.SVG), int64(len(payload.SVG)), "image/svg+xml"); err != nil {
		return upstreamError("upload certificate svg", err)
	}

	transactionID, err := s.renderer.RenderAsync(ctx, renderer.Job{
		HTML:     payload.HTML,
		CSS:      payload.CSS,
		Filename: path.Base(payload.PDFPath),
	})
	if err != nil {
		return upstreamError("dispatch certificate render", err)
	}

	cert.Status = certificate.StatusRequested
	cert.TransactionID = transactionID
	cert.SVGPath = payload.SVGPath
	if err := s.store.UpdateCertificate(ctx, project.ID, cert, userID); err != nil {
		return err
	}
	project.Certificate = cert
	s.publish(ctx, "certificate.requested", project)
	return nil
}

// HandleRenderSuccess reconciles an inbound renderer callback. The
// transaction id is the only handle: an unknown id is a no-op, not an
// error, because the renderer may retry or serve other tenants. The
// compare-and-swap update makes duplicate deliveries apply the
// transition at most once.
func (s *Service) HandleRenderSuccess(ctx context.Context, transactionID, filename string, body io.Reader) error {
	if strings.TrimSpace(transactionID) == "" {
		return validationError("transaction id header is required")
	}

	project, err := s.store.GetProjectByTransactionID(ctx, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("render callback for unknown transaction %s ignored", transactionID)
		return nil
	}
	if err != nil {
		return err
	}

	cert := project.Certificate
	if certificateStatus(cert) != certificate.StatusRequested {
		log.Printf("duplicate render callback for transaction %s ignored", transactionID)
		return nil
	}

	pdf, err := io.ReadAll(body)
	if err != nil {
		return validationError("read callback document: " + err.Error())
	}
	if len(pdf) == 0 {
		return validationError("callback carried no document")
	}

	pdfPath := strings.TrimSuffix(cert.SVGPath, ".svg") + ".pdf"
	if err := s.objects.Upload(ctx, pdfPath, bytes.NewReader(pdf), int64(len(pdf)), "application/pdf"); err != nil {
		return upstreamError("upload certificate pdf", err)
	}

	now := time.Now().UTC()
	next := cert
	next.Status = certificate.StatusIssued
	next.PDFPath = pdfPath
	next.IssuedOn = &now
	next.Message = ""

	applied, err := s.store.CASCertificate(ctx, transactionID, certificate.StatusRequested, next)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("render callback for transaction %s lost the transition race; ignored", transactionID)
		return nil
	}
	if filename != "" {
		log.Printf("certificate %s issued for project %s", filename, project.ID)
	}

	project.Certificate = next
	s.publish(ctx, "certificate.issued", project)
	return nil
}

// HandleRenderError records a renderer-reported failure for the
// transaction, with the same no-op and idempotency rules as success.
func (s *Service) HandleRenderError(ctx context.Context, transactionID, message string) error {
	if strings.TrimSpace(transactionID) == "" {
		return validationError("transaction id header is required")
	}

	project, err := s.store.GetProjectByTransactionID(ctx, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("render error callback for unknown transaction %s ignored", transactionID)
		return nil
	}
	if err != nil {
		return err
	}

	cert := project.Certificate
	if certificateStatus(cert) != certificate.StatusRequested {
		return nil
	}

	if strings.TrimSpace(message) == "" {
		message = "renderer reported an error"
	}
	next := cert
	next.Status = certificate.StatusCallbackError
	next.Message = message

	applied, err := s.store.CASCertificate(ctx, transactionID, certificate.StatusRequested, next)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	project.Certificate = next
	s.publish(ctx, "certificate.failed", project)
	return nil
}

// ReissueCertificate replaces an issued or failed certificate through
// the synchronous render path. The prior transaction id and artifact
// paths are archived before any new value is assigned.
func (s *Service) ReissueCertificate(ctx context.Context, projectID, userID string) (store.Certificate, error) {
	project, err := s.store.GetProject(ctx, projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Certificate{}, notFoundError("project not found")
	}
	if err != nil {
		return store.Certificate{}, err
	}

	cert := project.Certificate
	if project.Status != store.StatusSubmitted || !cert.Eligible {
		return store.Certificate{}, rejectedError("project has no certificate to reissue")
	}
	from := certificateStatus(cert)
	if !certificate.CanTransition(from, certificate.StatusEligible) {
		return store.Certificate{}, rejectedError("certificate is " + from + "; reissue applies to issued or failed certificates")
	}

	cert.OriginalTransactionInformation = &store.TransactionRecord{
		TransactionID: cert.TransactionID,
		PDFPath:       cert.PDFPath,
		SVGPath:       cert.SVGPath,
		IssuedOn:      cert.IssuedOn,
	}
	cert.TransactionID = ""
	cert.PDFPath = ""
	cert.SVGPath = ""
	cert.IssuedOn = nil
	cert.Message = ""
	cert.Status = certificate.StatusEligible
	if err := s.store.UpdateCertificate(ctx, project.ID, cert, userID); err != nil {
		return store.Certificate{}, err
	}

	payload, err := s.buildRenderPayload(ctx, project)
	if err != nil {
		return store.Certificate{}, err
	}

	// Sync mode has no renderer-issued trace; the transaction id is
	// assigned here, before the blocking render, so the single-active-
	// transaction invariant holds throughout.
	cert.Status = certificate.StatusRequested
	cert.TransactionID = uuid.NewString()
	cert.SVGPath = payload.SVGPath
	if err := s.store.UpdateCertificate(ctx, project.ID, cert, userID); err != nil {
		return store.Certificate{}, err
	}

	renderErr := withWorkDir("certificate-"+project.ID+"-", func(dir string) error {
		pdf, err := s.renderer.Render(ctx, renderer.Job{
			HTML:     payload.HTML,
			CSS:      payload.CSS,
			Filename: path.Base(payload.PDFPath),
		})
		if err != nil {
			return fmt.Errorf("render certificate: %w", err)
		}

		pdfFile := filepath.Join(dir, path.Base(payload.PDFPath))
		if err := os.WriteFile(pdfFile, pdf, 0o600); err != nil {
			return fmt.Errorf("stage certificate pdf: %w", err)
		}
		svgFile := filepath.Join(dir, path.Base(payload.SVGPath))
		if err := os.WriteFile(svgFile, []byte(payload.SVG), 0o600); err != nil {
			return fmt.Errorf("stage certificate svg: %w", err)
		}

		if err := s.uploadFile(ctx, payload.SVGPath, svgFile, "image/svg+xml"); err != nil {
			return err
		}
		return s.uploadFile(ctx, payload.PDFPath, pdfFile, "application/pdf")
	})
	if renderErr != nil {
		// A blocking render that fails or times out lands in the same
		// state an async error callback would.
		failed := cert
		failed.Status = certificate.StatusCallbackError
		failed.Message = renderErr.Error()
		if err := s.store.UpdateCertificate(ctx, project.ID, failed, userID); err != nil {
			log.Printf("record reissue failure for project %s: %v", project.ID, err)
		}
		return store.Certificate{}, upstreamError("certificate reissue failed", renderErr)
	}

	now := time.Now().UTC()
	cert.Status = certificate.StatusIssued
	cert.PDFPath = payload.PDFPath
	cert.IssuedOn = &now
	if err := s.store.UpdateCertificate(ctx, project.ID, cert, userID); err != nil {
		return store.Certificate{}, err
	}

	project.Certificate = cert
	s.publish(ctx, "certificate.reissued", project)
	return cert, nil
}

func (s *Service) buildRenderPayload(ctx context.Context, project store.Project) (certificate.Payload, error) {
	template := defaultCertificateTemplate
	if templatePath := project.SolutionInfo.CertificateTemplatePath; templatePath != "" {
		data, err := s.objects.Download(ctx, templatePath)
		if err != nil {
			return certificate.Payload{}, upstreamError("fetch certificate template", err)
		}
		template = string(data)
	}

	recipient := project.UserName
	if recipient == "" {
		recipient = project.UserID
	}
	payload, err := certificate.Build(certificate.PayloadInput{
		Template:      template,
		ProjectID:     project.ID,
		ProjectTitle:  project.Title,
		RecipientName: recipient,
		SolutionName:  project.SolutionInfo.Name,
		CompletedDate: time.Now().UTC(),
		VerifyBaseURL: s.cfg.VerifyBaseURL,
	})
	if err != nil {
		return certificate.Payload{}, fmt.Errorf("build certificate payload: %w", err)
	}
	return payload, nil
}

func (s *Service) uploadFile(ctx context.Context, objectPath, file, contentType string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open staged artifact: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat staged artifact: %w", err)
	}
	if err := s.objects.Upload(ctx, objectPath, f, info.Size(), contentType); err != nil {
		return fmt.Errorf("upload %s: %w", objectPath, err)
	}
	return nil
}

// withWorkDir runs fn with a private temporary directory and removes it
// on every exit path, including a panic inside fn.
func withWorkDir(pattern string, fn func(dir string) error) error {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)
	return fn(dir)
}

// defaultCertificateTemplate is used when a solution does not carry its
// own template in object storage.
const defaultCertificateTemplate = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 1122 793">
  <rect width="1122" height="793" fill="#fdfbf7" stroke="#b8860b" stroke-width="6"/>
  <text x="561" y="180" text-anchor="middle" font-size="44" font-family="Georgia">Certificate of Completion</text>
  <text x="561" y="320" text-anchor="middle" font-size="34" font-family="Georgia">{{recipientName}}</text>
  <text x="561" y="400" text-anchor="middle" font-size="24" font-family="Georgia">has successfully completed the improvement project</text>
  <text x="561" y="460" text-anchor="middle" font-size="28" font-family="Georgia">{{projectTitle}}</text>
  <text x="561" y="520" text-anchor="middle" font-size="20" font-family="Georgia">{{solutionName}}</text>
  <text x="561" y="600" text-anchor="middle" font-size="18" font-family="Georgia">{{completedDate}}</text>
  <image x="940" y="590" width="120" height="120" href="{{qrCode}}"/>
</svg>`
