package model

import (
	"encoding/json"
	"fmt"
)

// FormatCitation renders a path:line source reference.
func FormatCitation(path string, line int) string {
	return fmt.Sprintf("%s:%d", path, line)
}

// CitationSet is an insertion-ordered, de-duplicated set of source
// references. It only grows: entries are never removed for the lifetime of
// a request, and re-adding an existing entry keeps its original position.
type CitationSet struct {
	order []string
	index map[string]struct{}
}

// NewCitationSet returns an empty citation set.
func NewCitationSet() *CitationSet {
	return &CitationSet{index: make(map[string]struct{})}
}

// Add inserts a citation, returning true if it was not already present.
// Empty strings are ignored.
func (s *CitationSet) Add(c string) bool {
	if c == "" {
		return false
	}
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[c]; ok {
		return false
	}
	s.index[c] = struct{}{}
	s.order = append(s.order, c)
	return true
}

// AddAll inserts every citation in order and returns how many were new.
func (s *CitationSet) AddAll(cs []string) int {
	added := 0
	for _, c := range cs {
		if s.Add(c) {
			added++
		}
	}
	return added
}

// Contains reports whether the citation is in the set.
func (s *CitationSet) Contains(c string) bool {
	_, ok := s.index[c]
	return ok
}

// Items returns the citations in insertion order. The returned slice is a
// copy.
func (s *CitationSet) Items() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of citations in the set.
func (s *CitationSet) Len() int {
	return len(s.order)
}

// MarshalJSON encodes the set as a plain JSON array in insertion order.
func (s *CitationSet) MarshalJSON() ([]byte, error) {
	if s == nil || len(s.order) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s.order)
}

// UnmarshalJSON decodes a JSON array, preserving order and dropping
// duplicates.
func (s *CitationSet) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	s.order = nil
	s.index = make(map[string]struct{})
	s.AddAll(items)
	return nil
}
