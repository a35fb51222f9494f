// Package policy provides the AI-preference snapshot embedded in receipts.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

// ErrInvalidDocument is returned when a policy document is not a JSON object
var ErrInvalidDocument = errors.New("policy: document is not a JSON object")

// DefaultDocument is served at /aipref.json when no remote policy is configured
var DefaultDocument = json.RawMessage(`{"version":"0.1","train-ai":"disallow","train-genai":"disallow","search":"allow","ai-use":"allow-with-receipt","payments":["x402"],"receipts":"required"}`)

// Static always returns the same snapshot
type Static struct {
	snapshot peac.PolicySnapshot
}

// NewStatic builds a static source. A nil doc uses DefaultDocument.
func NewStatic(url string, doc json.RawMessage) (*Static, error) {
	if doc == nil {
		doc = DefaultDocument
	}
	if err := checkDocument(doc); err != nil {
		return nil, err
	}
	return &Static{snapshot: peac.PolicySnapshot{URL: url, Document: copyDoc(doc)}}, nil
}

// Snapshot implements peac.PolicySource
func (s *Static) Snapshot(context.Context) (peac.PolicySnapshot, error) {
	return peac.PolicySnapshot{URL: s.snapshot.URL, Document: copyDoc(s.snapshot.Document)}, nil
}

// Document returns the raw policy document
func (s *Static) Document() json.RawMessage {
	return copyDoc(s.snapshot.Document)
}

func checkDocument(doc []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

func copyDoc(doc json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), doc...)
}

var _ peac.PolicySource = (*Static)(nil)
