package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainGraph = "credence/graph/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeID trims surrounding whitespace and NFC-normalizes an entity or
// stage id, so visually identical ids address the same key.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// hashedStage is the identity-bearing part of a StageNode. Downstream is
// derived from Upstream and therefore excluded.
type hashedStage struct {
	ID       string             `json:"id"`
	Upstream []string           `json:"upstream"`
	Rule     CombinationRule    `json:"rule"`
	Expr     string             `json:"expr,omitempty"`
	Weights  map[string]float64 `json:"weights,omitempty"`
	Prior    *float64           `json:"prior,omitempty"`
}

// Hash computes the content-addressed hash of the graph. Declaration order
// is part of the identity: it fixes the solver's traversal order.
func (g *StageGraph) Hash() (string, error) {
	stages := make([]hashedStage, len(g.Stages))
	for i, s := range g.Stages {
		up := s.Upstream
		if up == nil {
			up = []string{}
		}
		stages[i] = hashedStage{
			ID:       NormalizeID(s.ID),
			Upstream: up,
			Rule:     s.Rule,
			Expr:     s.Expr,
			Weights:  s.Weights,
			Prior:    s.Prior,
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stages); err != nil {
		return "", fmt.Errorf("GraphHash: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainGraph, bytes.TrimSpace(buf.Bytes())), nil
}

// MustHash is like Hash but panics on error.
// Use only in tests or when the graph is known to be valid.
func (g *StageGraph) MustHash() string {
	h, err := g.Hash()
	if err != nil {
		panic(err)
	}
	return h
}
