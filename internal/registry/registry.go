package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Giftedx/crew-sub028/internal/bandit"
	"github.com/Giftedx/crew-sub028/internal/tenant"
)

// PolicyFactory builds a fresh bandit policy for a tenant, applying that
// tenant's RL overlay.
type PolicyFactory func(tc tenant.Context) (bandit.Policy, error)

// Registry owns the mapping from tenant context to a live bandit
// instance. Exactly one instance exists per (tenant, workspace) for the
// process lifetime, so online learning accumulates across requests.
//
// Creation is guarded by one coarse lock (read-mostly afterward); each
// instance serializes its own updates.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance

	newPolicy PolicyFactory
	stateDir  string
	persist   bool
}

// New creates a registry. When persist is true, arm state is loaded from
// stateDir at instance creation and written back after every update.
func New(factory PolicyFactory, stateDir string, persist bool) *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		newPolicy: factory,
		stateDir:  stateDir,
		persist:   persist,
	}
}

// Instance is one tenant's bandit plus its selection accounting.
type Instance struct {
	mu         sync.Mutex
	key        string
	policy     bandit.Policy
	selections map[string]int64

	statePath string
	persist   bool
}

// GetOrCreate resolves the tenant's bandit instance, creating and (when
// persistence is enabled) hydrating it on first use. State is loaded
// before the instance becomes visible, so the load is a plain snapshot
// read.
func (r *Registry) GetOrCreate(tc tenant.Context) (*Instance, error) {
	key := tc.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}

	policy, err := r.newPolicy(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create bandit for %s: %w", key, err)
	}

	inst := &Instance{
		key:        key,
		policy:     policy,
		selections: make(map[string]int64),
		statePath:  filepath.Join(r.stateDir, fileName(key)),
		persist:    r.persist,
	}

	if r.persist {
		if err := inst.loadState(); err != nil {
			// Persistence problems degrade to fresh priors, never to a
			// failed request.
			log.Printf("registry: state load for %s failed, using priors: %v", key, err)
		}
	}

	r.instances[key] = inst
	return inst, nil
}

// SelectionEntropy returns the Shannon entropy (nats) of the tenant's
// selection-count distribution. This is an exploration-health signal,
// independent of the posterior entropy the Thompson reset watches.
func (r *Registry) SelectionEntropy(tc tenant.Context) float64 {
	r.mu.Lock()
	inst, ok := r.instances[tc.Key()]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	counts := make([]float64, 0, len(inst.selections))
	for _, c := range inst.selections {
		counts = append(counts, float64(c))
	}
	return bandit.Entropy(counts)
}

// SaveAll persists every instance; called on shutdown.
func (r *Registry) SaveAll() error {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	var firstErr error
	for _, inst := range instances {
		inst.mu.Lock()
		err := inst.saveStateLocked()
		inst.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Select runs the policy over the candidate arms and records the
// selection count for the chosen arm.
func (i *Instance) Select(ctx *bandit.Context, arms []string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	arm, err := i.policy.Recommend(ctx, arms)
	if err != nil {
		return "", err
	}
	i.selections[arm]++
	return arm, nil
}

// Update applies a reward to an arm and, when enabled, persists the new
// state. The instance lock makes this a single-writer discipline per
// tenant state file. Persistence failures are logged and absorbed.
func (i *Instance) Update(arm string, reward float64, ctx *bandit.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.policy.Update(arm, reward, ctx); err != nil {
		return err
	}

	if i.persist {
		if err := i.saveStateLocked(); err != nil {
			log.Printf("registry: state save for %s failed: %v", i.key, err)
		}
	}
	return nil
}

// PolicyName reports which algorithm backs this instance.
func (i *Instance) PolicyName() string {
	return i.policy.Name()
}

// Telemetry reports policy-internal counters for observability; zero for
// algorithms that do not track them.
func (i *Instance) Telemetry() (entropyResets, contextualFallbacks int64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if r, ok := i.policy.(interface{ Resets() int64 }); ok {
		entropyResets = r.Resets()
	}
	if f, ok := i.policy.(interface{ Fallbacks() int64 }); ok {
		contextualFallbacks = f.Fallbacks()
	}
	return entropyResets, contextualFallbacks
}

// SelectionCounts returns a copy of the per-arm selection counts.
func (i *Instance) SelectionCounts() map[string]int64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make(map[string]int64, len(i.selections))
	for arm, c := range i.selections {
		out[arm] = c
	}
	return out
}

// Snapshot exposes the policy's serializable arm state.
func (i *Instance) Snapshot() map[string]bandit.ArmState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.policy.Snapshot()
}

// stateFile is the on-disk document: policy name plus per-arm state.
type stateFile struct {
	Policy string                     `json:"policy"`
	Arms   map[string]bandit.ArmState `json:"arms"`
}

func (i *Instance) loadState() error {
	data, err := os.ReadFile(i.statePath)
	if os.IsNotExist(err) {
		return nil // fresh tenant, start from priors
	}
	if err != nil {
		return err
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("corrupt state file %s: %w", i.statePath, err)
	}
	if sf.Policy != i.policy.Name() {
		// Policy changed in configuration; persisted state does not
		// transfer across algorithms.
		return nil
	}
	return i.policy.Restore(sf.Arms)
}

// saveStateLocked writes arm state atomically (write-temp-then-rename).
// Caller holds the instance lock.
func (i *Instance) saveStateLocked() error {
	if err := os.MkdirAll(filepath.Dir(i.statePath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	sf := stateFile{Policy: i.policy.Name(), Arms: i.policy.Snapshot()}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := i.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	if err := os.Rename(tmp, i.statePath); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

func fileName(key string) string {
	return strings.ReplaceAll(key, "/", "__") + ".json"
}
