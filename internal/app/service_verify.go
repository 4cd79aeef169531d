package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"uplift/api/internal/certificate"
	"uplift/api/internal/store"
)

// Verification is the public record returned to third parties checking
// a certificate. It is safe for unauthenticated callers: everything in
// it is already printed on the certificate itself.
type Verification struct {
	ProjectID             string     `json:"projectId"`
	ProjectName           string     `json:"projectName"`
	ProgramID             string     `json:"programId"`
	SolutionID            string     `json:"solutionId"`
	SolutionName          string     `json:"solutionName"`
	UserID                string     `json:"userId"`
	UserName              string     `json:"userName"`
	Status                string     `json:"status"`
	IsCertificateVerified bool       `json:"isCertificateVerified"`
	CompletedDate         *time.Time `json:"completedDate,omitempty"`
	Eligible              bool       `json:"eligible"`
	CertificatePDFURL     string     `json:"certificatePdfUrl,omitempty"`
	CertificateSVGURL     string     `json:"certificateSvgUrl,omitempty"`
}

// VerifyCertificate answers "is this certificate valid" for a project.
// It is a read-only projection with no side effects. The three failure
// kinds are distinct: missing project, project not eligible, and
// eligible project whose issuance never produced an artifact.
func (s *Service) VerifyCertificate(ctx context.Context, projectID string) (Verification, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return Verification{}, domainError(404, "PROJECT_NOT_FOUND", "project not found", nil)
	}
	if err != nil {
		return Verification{}, err
	}

	cert := project.Certificate
	if project.Status != store.StatusSubmitted || !cert.Eligible {
		return Verification{}, domainError(422, "PROJECT_NOT_ELIGIBLE_FOR_CERTIFICATE", "project is not eligible for a certificate", nil)
	}
	if cert.TransactionID == "" {
		return Verification{}, domainError(404, "CERTIFICATE_NOT_AVAILABLE", "no certificate issuance exists for this project", nil)
	}
	if cert.PDFPath == "" && cert.SVGPath == "" {
		return Verification{}, domainError(404, "CERTIFICATE_NOT_AVAILABLE", "certificate artifacts are not available yet", nil)
	}

	verification := Verification{
		ProjectID:             project.ID,
		ProjectName:           project.Title,
		ProgramID:             project.ProgramInfo.ID,
		SolutionID:            project.SolutionInfo.ID,
		SolutionName:          project.SolutionInfo.Name,
		UserID:                project.UserID,
		UserName:              project.UserName,
		Status:                project.Status,
		IsCertificateVerified: cert.Status == certificate.StatusIssued,
		CompletedDate:         cert.IssuedOn,
		Eligible:              cert.Eligible,
	}

	if cert.PDFPath != "" {
		url, err := s.objects.ReadURL(ctx, cert.PDFPath)
		if err != nil {
			return Verification{}, upstreamError("resolve certificate pdf url", err)
		}
		verification.CertificatePDFURL = url
	}
	if cert.SVGPath != "" {
		url, err := s.objects.ReadURL(ctx, cert.SVGPath)
		if err != nil {
			return Verification{}, upstreamError("resolve certificate svg url", err)
		}
		verification.CertificateSVGURL = url
	}
	return verification, nil
}
