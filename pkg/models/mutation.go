package models

import (
	"encoding/json"
	"time"
)

// Method is a remote transport verb.
type Method string

const (
	MethodGet    Method = "get"
	MethodPost   Method = "post"
	MethodPut    Method = "put"
	MethodDelete Method = "delete"
)

// CacheEntry is one cached server response.
type CacheEntry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"storedAt"`
}

// QueuedMutation is a write that has not been confirmed by the server.
type QueuedMutation struct {
	ID         string          `json:"id"`
	Method     Method          `json:"method" validate:"required,oneof=post put"`
	Endpoint   string          `json:"endpoint" validate:"required"`
	Collection string          `json:"collection,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	UseToken   bool            `json:"useToken"`
	IsFormData bool            `json:"isFormData"`

	// AffectedIDs are published to listeners once the mutation is synced.
	AffectedIDs []Identity `json:"affectedIds,omitempty"`

	// Target is the record a put modifies.
	Target *Identity `json:"target,omitempty"`

	// PendingStatus is shown on AffectedIDs until the mutation syncs. Puts
	// without one and without a Target change the fields of the
	// AffectedIDs rows directly.
	PendingStatus string `json:"pendingStatus,omitempty"`

	// TempID is set on creates made offline.
	TempID string `json:"tempId,omitempty"`

	// RefreshAfterSync asks the engine to re-fetch Collection once the
	// mutation is confirmed.
	RefreshAfterSync bool `json:"refreshAfterSync,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// IsCreate reports whether the mutation creates a record offline.
func (m QueuedMutation) IsCreate() bool {
	return m.Method == MethodPost && m.TempID != ""
}

// Rows returns the identities whose cached rows the mutation changes.
func (m QueuedMutation) Rows() []Identity {
	switch {
	case m.IsCreate():
		return []Identity{LocalID(m.TempID)}
	case m.Method != MethodPut:
		return nil
	case m.Target != nil:
		return []Identity{*m.Target}
	case m.PendingStatus == "":
		return m.AffectedIDs
	}
	return nil
}

// BodyRecord decodes the body as a record; nil if the body is not an object.
func (m QueuedMutation) BodyRecord() Record {
	if len(m.Body) == 0 {
		return nil
	}
	r, err := DecodeRecord(m.Body)
	if err != nil {
		return nil
	}
	return r
}
