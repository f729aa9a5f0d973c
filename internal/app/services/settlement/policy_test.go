package settlement

import (
	"os"
	"path/filepath"
	"testing"

	domain "github.com/coverbridge/settlement-layer/internal/app/domain/settlement"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		kind  domain.Kind
		class FailureClass
		want  bool
	}{
		{domain.KindClaimApproval, FailureTimeout, true},
		{domain.KindClaimApproval, FailureWalletUnavailable, true},
		{domain.KindClaimApproval, FailureNetwork, true},
		{domain.KindClaimApproval, FailureUserRejected, false},
		{domain.KindClaimApproval, FailureReverted, false},
		{domain.KindCoveragePurchase, FailureTimeout, false},
		{domain.KindCoveragePurchase, FailureWalletUnavailable, false},
	}
	for _, tc := range cases {
		if got := p.AllowDegraded(tc.kind, tc.class); got != tc.want {
			t.Errorf("AllowDegraded(%s, %s) = %v, want %v", tc.kind, tc.class, got, tc.want)
		}
	}
}

func TestAllowDegradedHardDenials(t *testing.T) {
	// Even a policy that tries to permit signer refusals is overridden.
	p := Policy{
		Degraded: map[domain.Kind]map[FailureClass]bool{
			domain.KindClaimApproval: {
				FailureUserRejected: true,
				FailureReverted:     true,
			},
		},
	}
	if p.AllowDegraded(domain.KindClaimApproval, FailureUserRejected) {
		t.Fatal("user rejection must never settle degraded")
	}
	if p.AllowDegraded(domain.KindClaimApproval, FailureReverted) {
		t.Fatal("a reverted transaction must never settle degraded")
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `degraded:
  claim_approval:
    timeout: true
  coverage_purchase:
    network: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if !p.AllowDegraded(domain.KindClaimApproval, FailureTimeout) {
		t.Fatal("expected timeout allowed for claim approval")
	}
	if !p.AllowDegraded(domain.KindCoveragePurchase, FailureNetwork) {
		t.Fatal("expected network allowed for coverage purchase")
	}
	if p.AllowDegraded(domain.KindClaimApproval, FailureNetwork) {
		t.Fatal("absent class must deny")
	}
}

func TestLoadPolicyRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `degraded:
  dividend_payout:
    timeout: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestLoadPolicyOrDefault(t *testing.T) {
	p := LoadPolicyOrDefault("")
	if !p.AllowDegraded(domain.KindClaimApproval, FailureTimeout) {
		t.Fatal("empty path must yield the default policy")
	}

	p = LoadPolicyOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if !p.AllowDegraded(domain.KindClaimApproval, FailureTimeout) {
		t.Fatal("missing file must fall back to the default policy")
	}
}
