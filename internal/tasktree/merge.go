// Package tasktree reconciles a client-held task forest with the
// server's stored copy and recomputes the rollup report.
package tasktree

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"uplift/api/internal/store"
)

const defaultTaskType = "simple"

// canonicalIDPattern matches ids minted by the template library's
// canonical store. A task arriving with one was copied from a template
// and must not reuse it as its stable id.
var canonicalIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// Incoming is the client-editable view of a task. Server-authoritative
// fields (submissions, observation information) are absent on purpose:
// a sync payload has no way to carry them.
type Incoming struct {
	ID          string            `json:"_id"`
	ExternalID  string            `json:"externalId"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	IsDeleted   bool              `json:"isDeleted"`
	IsDeletable *bool             `json:"isDeletable"`
	VisibleIf   []store.VisibleIf `json:"visibleIf"`
	Attachments []store.Attachment `json:"attachments"`
	Children    []Incoming        `json:"children"`
}

// Merge folds an incoming forest into the stored one and returns the
// merged forest. Stored nodes missing from the payload are always
// retained; removal is only ever expressed by isDeleted=true on a node
// the client sends back. The merge touches nothing outside its inputs.
func Merge(incoming []Incoming, stored []store.Task, now time.Time) []store.Task {
	return mergeLevel(incoming, stored, "", now)
}

func mergeLevel(incoming []Incoming, stored []store.Task, parentID string, now time.Time) []store.Task {
	merged := make([]store.Task, len(stored))
	copy(merged, stored)

	for _, in := range incoming {
		idx := matchNode(merged, in)
		if idx < 0 {
			merged = append(merged, buildNode(in, parentID, now))
			continue
		}
		merged[idx] = applyNode(in, merged[idx], now)
	}

	for i := range merged {
		merged[i].ParentID = parentID
	}
	return merged
}

// matchNode pairs an incoming node with a stored sibling, by id first
// and by external id as a fallback. The fallback keeps a replayed
// payload from duplicating a node whose template id was already
// replaced by a synthetic one.
func matchNode(stored []store.Task, in Incoming) int {
	if in.ID != "" {
		for i := range stored {
			if stored[i].ID == in.ID {
				return i
			}
		}
	}
	externalID := normalizeExternalID(in)
	if externalID == "" {
		return -1
	}
	for i := range stored {
		if stored[i].ExternalID == externalID {
			return i
		}
	}
	return -1
}

// applyNode copies the client-editable fields of in over existing. The
// stored id and the server-authoritative fields survive untouched.
func applyNode(in Incoming, existing store.Task, now time.Time) store.Task {
	next := existing
	next.ExternalID = normalizeExternalID(in)
	next.Name = in.Name
	next.Description = in.Description
	next.Type = normalizeType(in)
	next.Status = normalizeStatus(in)
	next.IsDeleted = in.IsDeleted
	next.IsDeletable = normalizeDeletable(in)
	next.VisibleIf = in.VisibleIf
	next.Attachments = normalizeAttachments(in)
	next.SyncedAt = now
	next.UpdatedAt = now
	next.Children = mergeLevel(in.Children, existing.Children, existing.ID, now)
	return next
}

// buildNode creates a task for an incoming node with no stored match.
func buildNode(in Incoming, parentID string, now time.Time) store.Task {
	task := store.Task{
		ID:          taskID(in),
		ExternalID:  normalizeExternalID(in),
		Name:        in.Name,
		Description: in.Description,
		Type:        normalizeType(in),
		Status:      normalizeStatus(in),
		IsDeleted:   in.IsDeleted,
		IsDeletable: normalizeDeletable(in),
		ParentID:    parentID,
		VisibleIf:   in.VisibleIf,
		Attachments: normalizeAttachments(in),
		SyncedAt:    now,
		UpdatedAt:   now,
	}
	task.Children = mergeLevel(in.Children, nil, task.ID, now)
	return task
}

func taskID(in Incoming) string {
	if in.ID == "" || canonicalIDPattern.MatchString(in.ID) {
		return uuid.NewString()
	}
	return in.ID
}

func normalizeExternalID(in Incoming) string {
	if in.ExternalID != "" {
		return in.ExternalID
	}
	return in.Name
}

func normalizeType(in Incoming) string {
	if in.Type == "" {
		return defaultTaskType
	}
	return in.Type
}

func normalizeStatus(in Incoming) string {
	if in.Status == "" {
		return store.StatusNotStarted
	}
	return in.Status
}

func normalizeDeletable(in Incoming) bool {
	if in.IsDeletable == nil {
		return true
	}
	return *in.IsDeletable
}

func normalizeAttachments(in Incoming) []store.Attachment {
	if in.Attachments == nil {
		return []store.Attachment{}
	}
	return in.Attachments
}
