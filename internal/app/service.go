package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"uplift/api/internal/config"
	"uplift/api/internal/eligibility"
	"uplift/api/internal/eventbus"
	"uplift/api/internal/objstore"
	"uplift/api/internal/renderer"
	"uplift/api/internal/store"
	"uplift/api/internal/tasktree"
	"uplift/api/internal/util"
)

var allowedProjectStatuses = map[string]struct{}{
	store.StatusNotStarted: {},
	store.StatusStarted:    {},
	store.StatusInProgress: {},
	store.StatusCompleted:  {},
	store.StatusSubmitted:  {},
}

type dataStore interface {
	CreateProject(context.Context, store.Project) error
	GetProject(context.Context, string, string) (store.Project, error)
	GetProjectByID(context.Context, string) (store.Project, error)
	GetProjectByTransactionID(context.Context, string) (store.Project, error)
	UpdateProjectSync(context.Context, store.SyncUpdate) error
	TouchLastDownloaded(context.Context, string, time.Time) error
	UpdateCertificate(context.Context, string, store.Certificate, string) error
	CASCertificate(context.Context, string, string, store.Certificate) (bool, error)
	Ping(ctx context.Context) error
}

type objectStore interface {
	Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	ReadURL(ctx context.Context, path string) (string, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, eventType string, document any) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	objects  objectStore
	events   eventPublisher
	renderer renderer.Renderer
	rules    eligibility.Evaluator
}

func New(cfg config.Config, dataStore *store.PostgresStore, objects *objstore.Client, events *eventbus.Publisher, docRenderer renderer.Renderer, rules eligibility.Evaluator) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		objects:  objects,
		events:   events,
		renderer: docRenderer,
		rules:    rules,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// publish is fire-and-forget everywhere: the document is already
// persisted, so a bus failure is logged and never propagated.
func (s *Service) publish(ctx context.Context, eventType string, document any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, eventType, document); err != nil {
		log.Printf("event publish %s failed: %v", eventType, err)
	}
}

type CreateProjectInput struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Program     store.ProgramInfo  `json:"programInformation"`
	Solution    store.SolutionInfo `json:"solutionInformation"`
	Tasks       []tasktree.Incoming `json:"tasks"`
}

// CreateProject builds a project document from a template payload. The
// task forest runs through the same merge and rollup as a sync, against
// an empty stored forest.
func (s *Service) CreateProject(ctx context.Context, userID, userName string, in CreateProjectInput) (store.Project, error) {
	if strings.TrimSpace(userID) == "" {
		return store.Project{}, validationError("userId is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return store.Project{}, validationError("title is required")
	}
	if err := tasktree.Validate(in.Tasks, s.cfg.MaxTaskDepth); err != nil {
		return store.Project{}, validationError(err.Error())
	}

	now := time.Now().UTC()
	tasks := tasktree.Merge(in.Tasks, nil, now)
	project := store.Project{
		ID:               util.NewID("proj"),
		UserID:           userID,
		UserName:         userName,
		Title:            in.Title,
		Description:      in.Description,
		Status:           store.StatusNotStarted,
		Tasks:            tasks,
		TaskReport:       tasktree.BuildReport(tasks),
		LastDownloadedAt: &now,
		Certificate:      store.Certificate{},
		ProgramInfo:      in.Program,
		SolutionInfo:     in.Solution,
		CreatedAt:        now,
		UpdatedAt:        now,
		UpdatedBy:        userID,
	}

	if err := s.store.CreateProject(ctx, project); err != nil {
		return store.Project{}, err
	}
	s.publish(ctx, "project.created", project)
	return project, nil
}

// GetProject returns the document and stamps a fresh sync token on it;
// the client must echo that token back on its next sync.
func (s *Service) GetProject(ctx context.Context, projectID, userID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, notFoundError("project not found")
	}
	if err != nil {
		return store.Project{}, err
	}

	now := time.Now().UTC()
	if err := s.store.TouchLastDownloaded(ctx, project.ID, now); err != nil {
		return store.Project{}, err
	}
	project.LastDownloadedAt = &now
	return project, nil
}
