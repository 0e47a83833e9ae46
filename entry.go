package cafs

import (
	"encoding/json"
	"time"

	"github.com/meigma/cafs/internal/index"
)

// Entry is the public, decoded view of one index entry (§3 "Index
// entry"). Path is derived, not persisted: it is resolved from
// Integrity at the moment the Entry is constructed, never read back
// off disk.
type Entry struct {
	Key       string
	Integrity string
	Time      time.Time
	Size      int64
	HasSize   bool
	Metadata  json.RawMessage
	Path      string
}

func toPublicEntry(e index.Entry) Entry {
	return Entry{
		Key:       e.Key,
		Integrity: e.Integrity,
		Time:      time.Unix(e.Time, 0),
		Size:      e.Size,
		HasSize:   e.HasSize,
		Metadata:  e.Metadata,
	}
}

func (c *Cache) withPath(e Entry) Entry {
	if path, err := c.contentPathForIntegrityString(e.Integrity); err == nil {
		e.Path = path
	}
	return e
}
