package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"uplift/api/internal/certificate"
	"uplift/api/internal/store"
	"uplift/api/internal/tasktree"
)

// SyncInput is the client-to-server reconciliation payload. Tasks==nil
// means "no task changes"; an empty non-nil slice is a valid payload
// that changes nothing either, since omission never deletes.
type SyncInput struct {
	ProjectID        string
	UserID           string
	UserName         string
	LastDownloadedAt time.Time
	Title            *string
	Description      *string
	Status           string
	Tasks            []tasktree.Incoming
}

// SyncSummary is the minimal acknowledgment a sync returns; clients
// re-download when they need the full document.
type SyncSummary struct {
	ProjectID  string           `json:"projectId"`
	Status     string           `json:"status"`
	TaskReport store.TaskReport `json:"taskReport"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// SyncProject reconciles an offline-edited project against the stored
// document. Preconditions are checked in order, each with a distinct
// failure: the project must exist for this user, the caller's sync
// token must equal the stored one exactly, and the project must not
// already be submitted. Nothing is written unless all three hold.
func (s *Service) SyncProject(ctx context.Context, in SyncInput) (SyncSummary, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return SyncSummary{}, validationError("projectId is required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return SyncSummary{}, validationError("userId is required")
	}
	if in.LastDownloadedAt.IsZero() {
		return SyncSummary{}, validationError("lastDownloadedAt is required")
	}
	if in.Status != "" {
		if _, ok := allowedProjectStatuses[in.Status]; !ok {
			return SyncSummary{}, validationError("unknown project status " + in.Status)
		}
	}
	if err := tasktree.Validate(in.Tasks, s.cfg.MaxTaskDepth); err != nil {
		return SyncSummary{}, validationError(err.Error())
	}

	project, err := s.store.GetProject(ctx, in.ProjectID, in.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncSummary{}, notFoundError("project not found")
	}
	if err != nil {
		return SyncSummary{}, err
	}

	if project.LastDownloadedAt == nil || !project.LastDownloadedAt.Equal(in.LastDownloadedAt) {
		return SyncSummary{}, conflictError("project was downloaded again or synced elsewhere; fetch the latest copy")
	}
	if project.Status == store.StatusSubmitted {
		return SyncSummary{}, rejectedError("project is already submitted")
	}

	now := time.Now().UTC()
	update := store.SyncUpdate{
		ProjectID:   project.ID,
		Title:       project.Title,
		Description: project.Description,
		Status:      project.Status,
		Tasks:       project.Tasks,
		TaskReport:  project.TaskReport,
		UpdatedBy:   in.UserID,
		UpdatedAt:   now,
	}
	// Only the declared writable scalars can come from the client;
	// computed fields (task report, certificate, timestamps) cannot.
	if in.Title != nil {
		update.Title = *in.Title
	}
	if in.Description != nil {
		update.Description = *in.Description
	}
	if in.Status != "" {
		update.Status = in.Status
	}
	if in.Tasks != nil {
		update.Tasks = tasktree.Merge(in.Tasks, project.Tasks, now)
		update.TaskReport = tasktree.BuildReport(update.Tasks)
	}

	if err := s.store.UpdateProjectSync(ctx, update); err != nil {
		return SyncSummary{}, err
	}

	project.Title = update.Title
	project.Description = update.Description
	project.Status = update.Status
	project.Tasks = update.Tasks
	project.TaskReport = update.TaskReport
	project.UpdatedAt = now
	project.UpdatedBy = in.UserID
	s.publish(ctx, "project.synced", project)

	// A sync that submits the project kicks off issuance. Its failure
	// is the pipeline's problem, never the sync's.
	if update.Status == store.StatusSubmitted {
		if err := s.IssueCertificate(ctx, project.ID, in.UserID); err != nil {
			var domainErr *DomainError
			if errors.As(err, &domainErr) && domainErr.Code == "INELIGIBLE" {
				log.Printf("project %s ineligible for certificate: %s", project.ID, domainErr.Message)
			} else {
				log.Printf("certificate issuance for project %s failed: %v", project.ID, err)
			}
		}
	}

	return SyncSummary{
		ProjectID:  project.ID,
		Status:     update.Status,
		TaskReport: update.TaskReport,
		UpdatedAt:  now,
	}, nil
}

// certificateStatus normalizes the stored status for transition checks.
func certificateStatus(cert store.Certificate) string {
	if cert.Status == "" {
		return certificate.StatusNotEvaluated
	}
	return cert.Status
}
