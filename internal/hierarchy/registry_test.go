package hierarchy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adytum-sh/adytum/pkg/protocol"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.json")
	r, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestBirthAndFindActiveByName(t *testing.T) {
	r := newTestRegistry(t)
	root, err := r.Birth(BirthParams{Name: "Root", Tier: 1})
	if err != nil {
		t.Fatalf("Birth root: %v", err)
	}
	a, err := r.Birth(BirthParams{Name: "  Viper ", Tier: 3, ParentID: root.ID})
	if err != nil {
		t.Fatalf("Birth: %v", err)
	}
	if a.Name != "Viper" {
		t.Errorf("Name = %q, want trimmed Viper", a.Name)
	}
	if a.ActiveSessionID == "" {
		t.Error("birth should assign a session id")
	}

	tests := []struct {
		lookup string
		wantID string
	}{
		{"viper", a.ID},
		{"VIPER", a.ID},
		{"  Viper  ", a.ID},
		{"root", root.ID},
		{"nobody", ""},
	}
	for _, tt := range tests {
		got := r.FindActiveByName(tt.lookup)
		gotID := ""
		if got != nil {
			gotID = got.ID
		}
		if gotID != tt.wantID {
			t.Errorf("FindActiveByName(%q) = %q, want %q", tt.lookup, gotID, tt.wantID)
		}
	}
}

func TestFindActiveByNameFirstMatch(t *testing.T) {
	r := newTestRegistry(t)
	first, _ := r.Birth(BirthParams{Name: "Echo"})
	second, _ := r.Birth(BirthParams{Name: "echo"})

	if got := r.FindActiveByName("Echo"); got == nil || got.ID != first.ID {
		t.Fatalf("want first-born %s, got %+v", first.ID, got)
	}

	// Retiring the first makes the second the active holder.
	if err := r.LastBreath(first.ID); err != nil {
		t.Fatalf("LastBreath: %v", err)
	}
	if got := r.FindActiveByName("Echo"); got == nil || got.ID != second.ID {
		t.Fatalf("want second-born %s after retirement, got %+v", second.ID, got)
	}
}

func TestLastBreath(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := r.Birth(BirthParams{Name: "Short"})
	if err := r.LastBreath(a.ID); err != nil {
		t.Fatalf("LastBreath: %v", err)
	}
	got := r.Get(a.ID)
	if got.Active() {
		t.Error("agent should be inactive after lastBreath")
	}
	if got.ActiveSessionID != "" {
		t.Error("lastBreath should clear the session id")
	}
	if r.FindActiveByName("Short") != nil {
		t.Error("inactive agents must not be found by name")
	}
	if len(r.GetGraveyard()) != 1 {
		t.Errorf("graveyard = %d, want 1", len(r.GetGraveyard()))
	}
	// Idempotent.
	if err := r.LastBreath(a.ID); err != nil {
		t.Errorf("second LastBreath: %v", err)
	}
}

func TestSingleRoot(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Birth(BirthParams{Name: "Root", Tier: 1}); err != nil {
		t.Fatalf("Birth: %v", err)
	}
	if _, err := r.Birth(BirthParams{Name: "Usurper", Tier: 1}); err == nil {
		t.Fatal("second active tier-1 root must be refused")
	}
}

func TestEnsureRoot(t *testing.T) {
	r := newTestRegistry(t)
	root, err := r.EnsureRoot("Adytum")
	if err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	if root.Tier != 1 {
		t.Errorf("Tier = %d, want 1", root.Tier)
	}
	// A second call returns the existing root, no new birth.
	again, err := r.EnsureRoot("Adytum")
	if err != nil {
		t.Fatalf("EnsureRoot again: %v", err)
	}
	if again.ID != root.ID {
		t.Errorf("EnsureRoot returned %s, want existing %s", again.ID, root.ID)
	}
	if got := len(r.GetActive()); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestTierModelBounds(t *testing.T) {
	r := newTestRegistry(t)
	six := []string{"m1", "m2", "m3", "m4", "m5", "m6"}

	worker, _ := r.Birth(BirthParams{Name: "Worker", Tier: 3, ModelIDs: six})
	if len(worker.ModelIDs) != 3 {
		t.Errorf("tier-3 models = %d, want 3", len(worker.ModelIDs))
	}

	mgr, _ := r.Birth(BirthParams{Name: "Manager", Tier: 2, ModelIDs: six})
	if len(mgr.ModelIDs) != 5 {
		t.Errorf("tier-2 models = %d, want 5", len(mgr.ModelIDs))
	}

	// SetModelIDs re-applies the bound.
	if err := r.SetModelIDs(worker.ID, six); err != nil {
		t.Fatalf("SetModelIDs: %v", err)
	}
	if got := r.Get(worker.ID); len(got.ModelIDs) != 3 {
		t.Errorf("tier-3 models after update = %d, want 3", len(got.ModelIDs))
	}
}

func TestChildrenAndUptime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	base := time.Unix(1_700_000_000, 0)
	now := base
	r, err := NewRegistry(path, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	root, _ := r.Birth(BirthParams{Name: "Root", Tier: 1})
	c1, _ := r.Birth(BirthParams{Name: "A", ParentID: root.ID})
	c2, _ := r.Birth(BirthParams{Name: "B", ParentID: root.ID})

	children := r.GetChildren(root.ID)
	if len(children) != 2 || children[0].ID != c1.ID || children[1].ID != c2.ID {
		t.Fatalf("children = %+v, want [A B] in birth order", children)
	}

	now = base.Add(90 * time.Second)
	if got := r.GetUptimeSeconds(c1.ID); got != 90 {
		t.Errorf("uptime = %d, want 90", got)
	}
	r.LastBreath(c1.ID)
	if got := r.GetUptimeSeconds(c1.ID); got != 0 {
		t.Errorf("uptime after lastBreath = %d, want 0", got)
	}
	if got := r.GetUptimeSeconds("missing"); got != 0 {
		t.Errorf("uptime for unknown agent = %d, want 0", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	r, _ := NewRegistry(path)
	root, _ := r.Birth(BirthParams{Name: "Root", Tier: 1})
	a, _ := r.Birth(BirthParams{Name: "Keeper", Tier: 2, ParentID: root.ID, ModelIDs: []string{"anthropic/claude-sonnet-4"}})
	if err := r.AppendLog(a.ID, "thought", "considering", nil); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	r.LastBreath(root.ID)

	r2, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := r2.Get(a.ID)
	if got == nil || got.Name != "Keeper" || got.ParentID != root.ID {
		t.Fatalf("reloaded agent = %+v", got)
	}
	if len(got.ModelIDs) != 1 {
		t.Errorf("ModelIDs = %v", got.ModelIDs)
	}
	if reloaded := r2.Get(root.ID); reloaded.Active() {
		t.Error("root lastBreath should survive reload")
	}
	if logs := r2.GetLog(a.ID); len(logs) != 1 || logs[0].Content != "considering" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestCorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	r, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry on corrupt file: %v", err)
	}
	if len(r.GetActive()) != 0 {
		t.Error("corrupt file should yield an empty registry")
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt file should be moved aside: %v", err)
	}
}

func TestFindOrBirthConcurrentSameName(t *testing.T) {
	var mu sync.Mutex
	births := 0
	path := filepath.Join(t.TempDir(), "agents.json")
	r, err := NewRegistry(path, WithPublisher(func(name string, payload interface{}) {
		m, ok := payload.(map[string]interface{})
		if name == protocol.EventHierarchy && ok && m["type"] == protocol.HierarchyEventBirth {
			mu.Lock()
			births++
			mu.Unlock()
		}
	}))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	root, err := r.Birth(BirthParams{Name: "Root", Tier: 1})
	if err != nil {
		t.Fatalf("Birth root: %v", err)
	}
	mu.Lock()
	births = 0
	mu.Unlock()

	const workers = 8
	ids := make([]string, workers)
	fresh := make([]bool, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			a, reused, err := r.FindOrBirth(BirthParams{Name: "Viper", Tier: 3, ParentID: root.ID})
			if err != nil {
				t.Errorf("FindOrBirth %d: %v", i, err)
				return
			}
			ids[i] = a.ID
			fresh[i] = !reused
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got agent %q, caller 0 got %q", i, ids[i], ids[0])
		}
	}
	born := 0
	for _, f := range fresh {
		if f {
			born++
		}
	}
	if born != 1 {
		t.Errorf("fresh births reported = %d, want exactly 1", born)
	}
	if got := len(r.GetActive()); got != 2 {
		t.Errorf("active agents = %d, want root + one Viper", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if births != 1 {
		t.Errorf("birth events = %d, want 1", births)
	}
}

func TestFindOrBirthReusesTrimmedName(t *testing.T) {
	r := newTestRegistry(t)
	a, reused, err := r.FindOrBirth(BirthParams{Name: "Solo", Tier: 3})
	if err != nil {
		t.Fatalf("FindOrBirth: %v", err)
	}
	if reused {
		t.Error("first FindOrBirth should not report reuse")
	}
	b, reused, err := r.FindOrBirth(BirthParams{Name: " solo ", Tier: 3})
	if err != nil {
		t.Fatalf("FindOrBirth: %v", err)
	}
	if !reused || b.ID != a.ID {
		t.Errorf("second call: reused=%t id=%q, want reuse of %q", reused, b.ID, a.ID)
	}
	if _, _, err := r.FindOrBirth(BirthParams{Tier: 3}); err == nil {
		t.Error("empty name should be rejected")
	}
}
