package store

import (
	"encoding/json"
	"time"
)

// Project statuses. A submitted project is final: it can no longer be
// synced and is the only state from which certificates are issued.
const (
	StatusNotStarted = "notStarted"
	StatusStarted    = "started"
	StatusInProgress = "inProgress"
	StatusCompleted  = "completed"
	StatusSubmitted  = "submitted"
)

type Attachment struct {
	Name       string `json:"name,omitempty"`
	Type       string `json:"type,omitempty"`
	SourcePath string `json:"sourcePath,omitempty"`
}

// VisibleIf gates a task's visibility on the state of another task,
// usually its parent.
type VisibleIf struct {
	TaskID   string `json:"taskId,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Task is a node in a project's work-breakdown tree. Tasks are never
// structurally removed; deletion is expressed through IsDeleted.
type Task struct {
	ID          string       `json:"_id"`
	ExternalID  string       `json:"externalId,omitempty"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Type        string       `json:"type,omitempty"`
	Status      string       `json:"status,omitempty"`
	IsDeleted   bool         `json:"isDeleted"`
	IsDeletable bool         `json:"isDeletable"`
	ParentID    string       `json:"parentId,omitempty"`
	VisibleIf   []VisibleIf  `json:"visibleIf,omitempty"`
	Attachments []Attachment `json:"attachments"`
	// Server-authoritative evidence. Never overwritten by a client sync.
	Submissions            json.RawMessage `json:"submissions,omitempty"`
	ObservationInformation json.RawMessage `json:"observationInformation,omitempty"`
	SyncedAt               time.Time       `json:"syncedAt,omitempty"`
	UpdatedAt              time.Time       `json:"updatedAt,omitempty"`
	Children               []Task          `json:"children,omitempty"`
}

// TaskReport holds rollup counts over non-deleted top-level tasks,
// keyed by status plus a "total" entry.
type TaskReport map[string]int

// TransactionRecord archives a superseded issuance when a certificate
// is reissued.
type TransactionRecord struct {
	TransactionID string     `json:"transactionId,omitempty"`
	PDFPath       string     `json:"pdfPath,omitempty"`
	SVGPath       string     `json:"svgPath,omitempty"`
	IssuedOn      *time.Time `json:"issuedOn,omitempty"`
}

// Certificate is embedded in the project document. At most one active
// TransactionID exists at a time; reissue archives the prior one into
// OriginalTransactionInformation before assigning a new one.
type Certificate struct {
	Eligible                       bool               `json:"eligible"`
	Message                        string             `json:"message,omitempty"`
	Status                         string             `json:"status,omitempty"`
	TransactionID                  string             `json:"transactionId,omitempty"`
	PDFPath                        string             `json:"pdfPath,omitempty"`
	SVGPath                        string             `json:"svgPath,omitempty"`
	IssuedOn                       *time.Time         `json:"issuedOn,omitempty"`
	OriginalTransactionInformation *TransactionRecord `json:"originalTransactionInformation,omitempty"`
}

// ProgramInfo is a denormalized snapshot taken at project creation.
type ProgramInfo struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// SolutionInfo is a denormalized snapshot taken at project creation.
type SolutionInfo struct {
	ID                      string          `json:"id,omitempty"`
	Name                    string          `json:"name,omitempty"`
	Description             string          `json:"description,omitempty"`
	CertificateTemplatePath string          `json:"certificateTemplatePath,omitempty"`
	CertificateCriteria     json.RawMessage `json:"certificateCriteria,omitempty"`
}

type Project struct {
	ID               string       `json:"_id"`
	UserID           string       `json:"userId"`
	UserName         string       `json:"userName,omitempty"`
	Title            string       `json:"title,omitempty"`
	Description      string       `json:"description,omitempty"`
	Status           string       `json:"status"`
	Tasks            []Task       `json:"tasks"`
	TaskReport       TaskReport   `json:"taskReport,omitempty"`
	LastDownloadedAt *time.Time   `json:"lastDownloadedAt,omitempty"`
	Certificate      Certificate  `json:"certificate"`
	ProgramInfo      ProgramInfo  `json:"programInformation,omitempty"`
	SolutionInfo     SolutionInfo `json:"solutionInformation,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	UpdatedBy        string       `json:"updatedBy,omitempty"`
}
