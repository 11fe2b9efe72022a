package registry

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Giftedx/crew-sub028/internal/bandit"
	"github.com/Giftedx/crew-sub028/internal/tenant"
)

func thompsonFactory(tc tenant.Context) (bandit.Policy, error) {
	return bandit.New("thompson_sampling", bandit.DefaultConfig())
}

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	r := New(thompsonFactory, t.TempDir(), false)
	tc := tenant.Context{TenantID: "acme"}

	a, err := r.GetOrCreate(tc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.GetOrCreate(tc)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second GetOrCreate returned a different instance")
	}
}

func TestInstancesAreTenantScoped(t *testing.T) {
	r := New(thompsonFactory, t.TempDir(), false)

	a, _ := r.GetOrCreate(tenant.Context{TenantID: "acme"})
	b, _ := r.GetOrCreate(tenant.Context{TenantID: "globex"})
	c, _ := r.GetOrCreate(tenant.Context{TenantID: "acme", WorkspaceID: "research"})
	if a == b || a == c {
		t.Error("instances shared across tenant or workspace boundaries")
	}
}

func TestSelectRecordsCounts(t *testing.T) {
	r := New(thompsonFactory, t.TempDir(), false)
	inst, _ := r.GetOrCreate(tenant.Context{TenantID: "acme"})

	arms := []string{"a", "b"}
	for i := 0; i < 10; i++ {
		if _, err := inst.Select(nil, arms); err != nil {
			t.Fatal(err)
		}
	}

	total := int64(0)
	for _, c := range inst.SelectionCounts() {
		total += c
	}
	if total != 10 {
		t.Errorf("selection counts sum to %d, want 10", total)
	}
}

func TestSelectionEntropy(t *testing.T) {
	r := New(thompsonFactory, t.TempDir(), false)
	tc := tenant.Context{TenantID: "acme"}

	if got := r.SelectionEntropy(tc); got != 0 {
		t.Errorf("entropy for unknown tenant = %v, want 0", got)
	}

	inst, _ := r.GetOrCreate(tc)
	inst.selections["a"] = 5
	inst.selections["b"] = 5

	if got := r.SelectionEntropy(tc); math.Abs(got-math.Ln2) > 1e-9 {
		t.Errorf("entropy of uniform two-arm counts = %v, want ln 2", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tc := tenant.Context{TenantID: "acme"}

	r := New(thompsonFactory, dir, true)
	inst, err := r.GetOrCreate(tc)
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Update("gpt-smart", 0.8, nil); err != nil {
		t.Fatal(err)
	}

	// A new registry (fresh process) hydrates from the same directory.
	r2 := New(thompsonFactory, dir, true)
	inst2, err := r2.GetOrCreate(tc)
	if err != nil {
		t.Fatal(err)
	}

	s := inst2.Snapshot()["gpt-smart"]
	if math.Abs(s.Alpha-1.8) > 1e-9 || math.Abs(s.Beta-1.2) > 1e-9 {
		t.Errorf("restored posterior = (%v, %v), want (1.8, 1.2)", s.Alpha, s.Beta)
	}
}

func TestSaveAllWritesStateFiles(t *testing.T) {
	dir := t.TempDir()
	r := New(thompsonFactory, dir, false)
	inst, _ := r.GetOrCreate(tenant.Context{TenantID: "acme", WorkspaceID: "research"})
	inst.Update("m", 0.5, nil)

	if err := r.SaveAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "acme__research.json")); err != nil {
		t.Errorf("expected state file after SaveAll: %v", err)
	}
}

func TestPolicyChangeIgnoresPersistedState(t *testing.T) {
	dir := t.TempDir()
	tc := tenant.Context{TenantID: "acme"}

	r := New(thompsonFactory, dir, true)
	inst, _ := r.GetOrCreate(tc)
	inst.Update("m", 1.0, nil)

	ucbFactory := func(tc tenant.Context) (bandit.Policy, error) {
		return bandit.New("ucb1", bandit.DefaultConfig())
	}
	r2 := New(ucbFactory, dir, true)
	inst2, err := r2.GetOrCreate(tc)
	if err != nil {
		t.Fatal(err)
	}
	if s := inst2.Snapshot()["m"]; s.PullCount != 0 {
		t.Errorf("ucb1 inherited state across a policy change: %+v", s)
	}
}

func TestCorruptStateFileFallsBackToPriors(t *testing.T) {
	dir := t.TempDir()
	tc := tenant.Context{TenantID: "acme"}

	if err := os.WriteFile(filepath.Join(dir, "acme__default.json"), []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}

	r := New(thompsonFactory, dir, true)
	inst, err := r.GetOrCreate(tc)
	if err != nil {
		t.Fatalf("corrupt state must not fail instance creation: %v", err)
	}
	if len(inst.Snapshot()) != 0 {
		t.Error("expected fresh priors after corrupt state file")
	}
}
