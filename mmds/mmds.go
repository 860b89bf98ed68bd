// Package mmds is the guest-visible metadata service. The monitor core
// routes raw request bytes from the metadata device to a Handler and
// returns the response bytes; payload interpretation lives entirely here,
// behind the collaborator seam.
package mmds

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler answers one metadata request. Request and response are opaque to
// the device layer.
type Handler interface {
	Handle(request []byte) []byte
}

// Store is a JSON document store addressed by slash-separated paths.
// Requests are paths; responses are the JSON value at that path.
type Store struct {
	mu   sync.RWMutex
	root map[string]json.RawMessage
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{root: map[string]json.RawMessage{}}
}

// Put replaces the document at the given top-level key.
func (s *Store) Put(key string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("mmds: invalid JSON document for %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.root[key] = append(json.RawMessage(nil), doc...)

	return nil
}

// Get resolves a slash-separated path into the stored documents.
func (s *Store) Get(path string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		keys := make([]string, 0, len(s.root))
		for k := range s.root {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		return json.Marshal(keys)
	}

	doc, ok := s.root[parts[0]]
	if !ok {
		return nil, fmt.Errorf("mmds: no document %q", parts[0])
	}

	cur := doc
	for _, p := range parts[1:] {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, fmt.Errorf("mmds: %q is not an object: %w", p, err)
		}

		next, ok := obj[p]
		if !ok {
			return nil, fmt.Errorf("mmds: no element %q", p)
		}

		cur = next
	}

	return cur, nil
}

// Handle implements Handler: the request is a path, the response the JSON
// value, or a JSON error object on failure.
func (s *Store) Handle(request []byte) []byte {
	resp, err := s.Get(string(request))
	if err != nil {
		out, _ := json.Marshal(map[string]string{"error": err.Error()})

		return out
	}

	return resp
}
