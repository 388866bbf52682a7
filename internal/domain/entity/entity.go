// Package entity defines the synchronized domain record types.
package entity

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Type names a synchronized record kind.
type Type string

const (
	// TypeTask identifies a service task record.
	TypeTask Type = "task"
	// TypeClient identifies a client record.
	TypeClient Type = "client"
	// TypeIntervention identifies a PPF intervention record.
	TypeIntervention Type = "intervention"
	// TypePhoto identifies an intervention photo record.
	TypePhoto Type = "photo"
	// TypeQuote identifies a quote record.
	TypeQuote Type = "quote"
)

// Types lists every synchronized entity type in pull order.
func Types() []Type {
	return []Type{TypeClient, TypeTask, TypeIntervention, TypePhoto, TypeQuote}
}

// Valid reports whether the type names a known entity kind.
func (t Type) Valid() bool {
	switch t {
	case TypeTask, TypeClient, TypeIntervention, TypePhoto, TypeQuote:
		return true
	default:
		return false
	}
}

// ParseType normalizes and validates a raw entity type string.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("entity: unknown type %q", raw)
	}
	return t, nil
}

// Key uniquely identifies one record instance across types.
type Key struct {
	Type Type
	ID   string
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}

// Snapshot is the locally persisted state of one synchronized record.
//
// BaseVersion is the server version the local copy derives from;
// RemoteVersion is the newest server version observed for the record.
// The two diverge when a remote change could not be applied because the
// record still had queued local mutations.
type Snapshot struct {
	Type          Type
	ID            string
	BaseVersion   int64
	RemoteVersion int64
	Payload       json.RawMessage
	Deleted       bool
	UpdatedAt     time.Time
}

// Validate checks the snapshot identity fields.
func (s Snapshot) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("entity: unknown type %q", s.Type)
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("entity: id required")
	}
	return nil
}
