package model

import (
	"fmt"
	"time"
)

// Stage is the versioning view a change applies to.
type Stage string

const (
	// StageDraft is the editable (draft) view of a versioned record.
	StageDraft Stage = "Stage"
	// StageLive is the published view of a versioned record.
	StageLive Stage = "Live"
	// StageAll applies to every view. Non-versioned records always use it.
	StageAll Stage = "ALL"
)

// ValidStages lists the persisted stage values.
var ValidStages = []Stage{StageDraft, StageLive, StageAll}

// ParseStage converts a user supplied stage name into a Stage.
// "draft" and "live" are accepted as aliases.
func ParseStage(s string) (Stage, error) {
	switch s {
	case string(StageDraft), "draft", "Draft":
		return StageDraft, nil
	case string(StageLive), "live", "LIVE":
		return StageLive, nil
	case string(StageAll), "all", "All":
		return StageAll, nil
	}
	return "", NewValidationError(fmt.Sprintf("invalid stage: %s", s), s)
}

// EventKind distinguishes updates from deletes.
type EventKind string

const (
	// EventUpdated means the record exists and should be (re)fetched.
	EventUpdated EventKind = "UPDATED"
	// EventDeleted means the record is gone from the stage; only its identity is synced.
	EventDeleted EventKind = "DELETED"
)

// ChangeEvent is a pending change recorded during a unit of work, before flush.
type ChangeEvent struct {
	EntityType   string    `json:"entityType"`
	BaseType     string    `json:"baseType"`
	EntityID     int64     `json:"entityId"`
	Kind         EventKind `json:"eventKind"`
	Stage        Stage     `json:"stage"`
	IdentityHash string    `json:"identityHash"`
	SizeBytes    *int64    `json:"sizeBytes,omitempty"`
}

// Key returns the pending-map key: identity hash + "__" + stage.
func (e ChangeEvent) Key() string {
	return e.IdentityHash + "__" + string(e.Stage)
}

// QueueItem is a durable publish queue row.
// At most one row exists per (IdentityHash, Stage).
type QueueItem struct {
	ID             int64     `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	LastEditedAt   time.Time `json:"lastEditedAt"`
	Kind           EventKind `json:"eventKind"`
	Stage          Stage     `json:"stage"`
	EntityType     string    `json:"entityType"`
	BaseType       string    `json:"baseType"`
	EntityID       int64     `json:"entityId"`
	IdentityHash   string    `json:"identityHash"`
	SizeBytes      *int64    `json:"sizeBytes,omitempty"`
	PublishEventID *int64    `json:"publishEventId,omitempty"`
}

// PublishStatus is the lifecycle state of a PublishEvent.
type PublishStatus string

const (
	PublishPending PublishStatus = "PENDING"
	PublishSuccess PublishStatus = "SUCCESS"
	PublishFailure PublishStatus = "FAILURE"
)

// PublishEvent groups the queue items written by one explicit publish action.
type PublishEvent struct {
	ID              int64         `json:"id"`
	CreatedAt       time.Time     `json:"createdAt"`
	Status          PublishStatus `json:"status"`
	DurationSeconds int64         `json:"durationSeconds"`
	ItemCount       int64         `json:"itemCount"`
}

// NiceDuration renders the duration the way the publish history lists it.
func (p PublishEvent) NiceDuration() string {
	minutes := (p.DurationSeconds / 60) % 60
	seconds := p.DurationSeconds % 60
	if minutes > 0 {
		return fmt.Sprintf("%d minutes, %d seconds", minutes, seconds)
	}
	return fmt.Sprintf("%d seconds", seconds)
}

// Entity is a record owned by the entity store.
// Fields holds the column values as fetched; changefeed never writes them.
type Entity struct {
	Type   string         `json:"type"`
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ProjectedEntity is the sync wire shape of an updated record.
type ProjectedEntity struct {
	TypeName         string         `json:"typeName"`
	IdentityHash     string         `json:"identityHash"`
	BaseIdentityHash string         `json:"baseIdentityHash"`
	LegacyID         int64          `json:"legacyId"`
	TypeAncestry     []string       `json:"typeAncestry"`
	Fields           map[string]any `json:"fields,omitempty"`
}
