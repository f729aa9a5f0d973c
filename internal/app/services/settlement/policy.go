package settlement

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	domain "github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
)

// FailureClass buckets chain failures for the degraded-mode decision.
type FailureClass string

const (
	FailureTimeout           FailureClass = "timeout"
	FailureWalletUnavailable FailureClass = "wallet_unavailable"
	FailureUserRejected      FailureClass = "user_rejected"
	FailureReverted          FailureClass = "reverted"
	FailureNetwork           FailureClass = "network"
)

// Policy decides, per settlement kind and failure class, whether a ledger
// commit with a sentinel reference is permitted after a chain failure.
// Degraded settlement is a deliberate, audited decision, never a catch-all.
type Policy struct {
	Degraded map[domain.Kind]map[FailureClass]bool `yaml:"degraded"`
}

// DefaultPolicy allows degraded claim approval when the chain was
// unreachable or indeterminate, and never for a definite contract rejection,
// an explicit signer refusal, or any coverage purchase (money movement must
// not be assumed).
func DefaultPolicy() Policy {
	return Policy{
		Degraded: map[domain.Kind]map[FailureClass]bool{
			domain.KindClaimApproval: {
				FailureTimeout:           true,
				FailureWalletUnavailable: true,
				FailureNetwork:           true,
				FailureUserRejected:      false,
				FailureReverted:          false,
			},
			domain.KindCoveragePurchase: {},
		},
	}
}

// AllowDegraded reports whether a degraded commit is permitted.
func (p Policy) AllowDegraded(kind domain.Kind, class FailureClass) bool {
	// A signer's explicit refusal always wins, whatever the table says.
	if class == FailureUserRejected || class == FailureReverted {
		return false
	}
	classes, ok := p.Degraded[kind]
	if !ok {
		return false
	}
	return classes[class]
}

// LoadPolicy reads a policy override from a YAML file. Kinds absent from the
// file keep their zero (deny-all) behavior; validation rejects unknown kinds
// so a typo cannot silently widen degraded mode.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read settlement policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse settlement policy: %w", err)
	}

	for kind := range p.Degraded {
		if !kind.Valid() {
			return Policy{}, fmt.Errorf("settlement policy: unknown kind %q", kind)
		}
	}
	return p, nil
}

// LoadPolicyOrDefault loads the policy file if present, falling back to the
// built-in defaults.
func LoadPolicyOrDefault(path string) Policy {
	if path == "" {
		return DefaultPolicy()
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return DefaultPolicy()
	}
	return p
}
