// Package schema defines the collection schema model, its canonical
// (normalized) form, and the content hash used to detect incompatible
// re-registrations of a collection.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Property describes a single document field.
type Property struct {
	Type      string `json:"type" yaml:"type"`
	MaxLength int    `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
	Ref       string `json:"ref,omitempty" yaml:"ref,omitempty"`
	// Final fields may never change after the document is first written.
	Final bool `json:"final,omitempty" yaml:"final,omitempty"`
}

// Schema describes the shape of documents in one collection at one version.
type Schema struct {
	Title      string              `json:"title" yaml:"title"`
	Version    int                 `json:"version" yaml:"version"`
	PrimaryKey string              `json:"primaryKey" yaml:"primary_key"`
	Required   []string            `json:"required,omitempty" yaml:"required,omitempty"`
	// Encrypted lists field names whose values must be encrypted at rest.
	// A non-empty list makes registration require a database password.
	Encrypted  []string            `json:"encrypted,omitempty" yaml:"encrypted,omitempty"`
	Properties map[string]Property `json:"properties" yaml:"properties"`
}

// Validate checks structural soundness: a primary key that is declared as a
// string property, a non-negative version, and known field references.
func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("schema is nil")
	}
	if s.PrimaryKey == "" {
		return fmt.Errorf("schema %q: primaryKey is required", s.Title)
	}
	if s.Version < 0 {
		return fmt.Errorf("schema %q: version must not be negative, got %d", s.Title, s.Version)
	}
	prop, ok := s.Properties[s.PrimaryKey]
	if !ok {
		return fmt.Errorf("schema %q: primaryKey %q is not a declared property", s.Title, s.PrimaryKey)
	}
	if prop.Type != "string" {
		return fmt.Errorf("schema %q: primaryKey %q must be of type string, got %q", s.Title, s.PrimaryKey, prop.Type)
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("schema %q: required field %q is not a declared property", s.Title, name)
		}
	}
	for _, name := range s.Encrypted {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("schema %q: encrypted field %q is not a declared property", s.Title, name)
		}
	}
	return nil
}

// HasEncryptedFields reports whether any field requires encryption at rest.
func (s *Schema) HasEncryptedFields() bool {
	return len(s.Encrypted) > 0
}

// Normalize returns a canonical copy: list-valued fields sorted, the
// primary key always marked required. Two schemas that differ only in
// declaration order normalize to the same value.
func (s *Schema) Normalize() *Schema {
	normalized := &Schema{
		Title:      s.Title,
		Version:    s.Version,
		PrimaryKey: s.PrimaryKey,
		Properties: make(map[string]Property, len(s.Properties)),
	}

	required := make(map[string]struct{}, len(s.Required)+1)
	for _, name := range s.Required {
		required[name] = struct{}{}
	}
	// The primary key is implicitly required.
	required[s.PrimaryKey] = struct{}{}
	for name := range required {
		normalized.Required = append(normalized.Required, name)
	}
	sort.Strings(normalized.Required)

	if len(s.Encrypted) > 0 {
		normalized.Encrypted = append(normalized.Encrypted, s.Encrypted...)
		sort.Strings(normalized.Encrypted)
	}

	for name, prop := range s.Properties {
		normalized.Properties[name] = prop
	}

	return normalized
}

// Hash returns the hex SHA-256 of the canonical JSON encoding of the
// normalized schema. encoding/json sorts map keys, so the encoding is
// deterministic regardless of map iteration order.
func (s *Schema) Hash() (string, error) {
	data, err := json.Marshal(s.Normalize())
	if err != nil {
		return "", fmt.Errorf("marshaling normalized schema: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
