package model

import (
	"encoding/json"
	"time"
)

// ConfigInstance is a file with JSON content, a relative target filepath,
// and an id; one or more compose a deployment. Content lives in a separate
// cache keyed by the same id (see Content), so the metadata cache can stay
// small while the content cache is bounded independently.
type ConfigInstance struct {
	ID             string    `json:"id"`
	ConfigType     string    `json:"config_type"`
	FilePath       string    `json:"file_path"`
	SchemaID       string    `json:"schema_id"`
	TypeID         string    `json:"type_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c ConfigInstance) Clone() ConfigInstance { return c }

// Content is the JSON value belonging to a config instance, stored in the
// content cache keyed by the same id as the owning ConfigInstance.
type Content struct {
	json.RawMessage
}

// Clone returns a copy safe to cross a cache mailbox boundary.
func (c Content) Clone() Content {
	if c.RawMessage == nil {
		return Content{}
	}
	out := make(json.RawMessage, len(c.RawMessage))
	copy(out, c.RawMessage)
	return Content{RawMessage: out}
}
