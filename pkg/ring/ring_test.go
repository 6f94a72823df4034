package ring

import (
	"errors"
	"fmt"
	"testing"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
	"github.com/blueberrycongee/shardmux/pkg/types"
)

func testBackends(n int) []types.Backend {
	regions := []types.Region{types.RegionPrimary, types.RegionSecondary, types.RegionTertiary}
	out := make([]types.Backend, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.Backend{
			ID:     fmt.Sprintf("backend-%d", i),
			Region: regions[i%len(regions)],
		})
	}
	return out
}

func populatedRing(t *testing.T, backends []types.Backend) *Ring {
	t.Helper()
	r := New(Config{})
	for _, b := range backends {
		if err := r.Add(b); err != nil {
			t.Fatalf("Add(%s): %v", b.ID, err)
		}
	}
	return r
}

func assignments(t *testing.T, r *Ring, keys []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		b, err := r.Locate(k, types.PreferNearest)
		if err != nil {
			t.Fatalf("Locate(%s): %v", k, err)
		}
		out[k] = b.ID
	}
	return out
}

func manyKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	return keys
}

func TestLocateEmptyRing(t *testing.T) {
	r := New(Config{})
	if _, err := r.Locate("key", types.PreferNearest); !errors.Is(err, sherrors.ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
}

func TestLocateDeterministic(t *testing.T) {
	r := populatedRing(t, testBackends(5))
	first, err := r.Locate("stable-key", types.PreferNearest)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		b, err := r.Locate("stable-key", types.PreferNearest)
		if err != nil {
			t.Fatal(err)
		}
		if b.ID != first.ID {
			t.Fatalf("lookup %d: got %s, want %s", i, b.ID, first.ID)
		}
	}
}

func TestAddRemapsMinority(t *testing.T) {
	keys := manyKeys(10_000)
	r := populatedRing(t, testBackends(3))
	before := assignments(t, r, keys)

	if err := r.Add(types.Backend{ID: "backend-3", Region: types.RegionPrimary}); err != nil {
		t.Fatal(err)
	}
	after := assignments(t, r, keys)

	moved := 0
	for k, prev := range before {
		if after[k] != prev {
			moved++
		}
	}
	// Adding a fourth equal-weight backend should move roughly a quarter of
	// the keyspace; anything approaching half indicates rehash-everything
	// behavior.
	if frac := float64(moved) / float64(len(keys)); frac >= 0.5 {
		t.Fatalf("add moved %.1f%% of keys, want < 50%%", frac*100)
	}
	if moved == 0 {
		t.Fatal("adding a backend moved no keys")
	}
}

func TestRemoveOnlyRemapsOwnedKeys(t *testing.T) {
	keys := manyKeys(10_000)
	r := populatedRing(t, testBackends(4))
	before := assignments(t, r, keys)

	const victim = "backend-2"
	if err := r.Remove(victim); err != nil {
		t.Fatal(err)
	}
	after := assignments(t, r, keys)

	for k, prev := range before {
		if prev == victim {
			if after[k] == victim {
				t.Fatalf("key %s still assigned to removed backend", k)
			}
			continue
		}
		if after[k] != prev {
			t.Fatalf("key %s moved from %s to %s despite its owner surviving", k, prev, after[k])
		}
	}
}

func TestAddDuplicate(t *testing.T) {
	r := populatedRing(t, testBackends(2))
	if err := r.Add(types.Backend{ID: "backend-0"}); err == nil {
		t.Fatal("expected error adding duplicate backend")
	}
}

func TestRemoveUnknown(t *testing.T) {
	r := populatedRing(t, testBackends(2))
	if err := r.Remove("nope"); err == nil {
		t.Fatal("expected error removing unknown backend")
	}
}

func TestPreferLeaderPicksPrimary(t *testing.T) {
	// Every backend is primary, so whatever candidate wins must be primary.
	backends := []types.Backend{
		{ID: "p1", Region: types.RegionPrimary},
		{ID: "p2", Region: types.RegionPrimary},
		{ID: "p3", Region: types.RegionPrimary},
	}
	r := populatedRing(t, backends)
	for _, k := range manyKeys(100) {
		b, err := r.Locate(k, types.PreferLeader)
		if err != nil {
			t.Fatal(err)
		}
		if b.Region != types.RegionPrimary {
			t.Fatalf("leader preference selected %s in region %s", b.ID, b.Region)
		}
	}
}

func TestPreferLeaderFallsBackWithoutPrimary(t *testing.T) {
	backends := []types.Backend{
		{ID: "s1", Region: types.RegionSecondary},
		{ID: "s2", Region: types.RegionTertiary},
	}
	r := populatedRing(t, backends)
	if _, err := r.Locate("key", types.PreferLeader); err != nil {
		t.Fatalf("leader preference with no primary should still route: %v", err)
	}
}

func TestPreferFollowerFavorsLowLatencyRegion(t *testing.T) {
	// Primary (5ms base) should beat tertiary (30ms base) even with jitter.
	backends := []types.Backend{
		{ID: "near", Region: types.RegionPrimary},
		{ID: "far", Region: types.RegionTertiary},
	}
	r := populatedRing(t, backends)

	far := 0
	keys := manyKeys(200)
	for _, k := range keys {
		b, err := r.Locate(k, types.PreferFollower)
		if err != nil {
			t.Fatal(err)
		}
		if b.ID == "far" {
			far++
		}
	}
	// "far" can only win when it is the sole candidate across all rings.
	if far > len(keys)/2 {
		t.Fatalf("follower preference chose the slow region %d/%d times", far, len(keys))
	}
}

func TestWeightScalesVirtualNodes(t *testing.T) {
	keys := manyKeys(10_000)
	r := New(Config{})
	if err := r.Add(types.Backend{ID: "heavy", Region: types.RegionPrimary, Weight: 2.0}); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(types.Backend{ID: "light", Region: types.RegionPrimary, Weight: 0.5}); err != nil {
		t.Fatal(err)
	}

	counts := map[string]int{}
	for _, k := range keys {
		b, err := r.Locate(k, types.PreferNearest)
		if err != nil {
			t.Fatal(err)
		}
		counts[b.ID]++
	}
	if counts["heavy"] <= counts["light"] {
		t.Fatalf("weight ignored: heavy=%d light=%d", counts["heavy"], counts["light"])
	}
}

func TestBackendsSorted(t *testing.T) {
	r := populatedRing(t, testBackends(3))
	got := r.Backends()
	if len(got) != 3 {
		t.Fatalf("got %d backends, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].ID >= got[i].ID {
			t.Fatalf("backends not sorted: %s before %s", got[i-1].ID, got[i].ID)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}

func TestConcurrentLookupsDuringMutation(t *testing.T) {
	r := populatedRing(t, testBackends(3))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("extra-%d", i)
			_ = r.Add(types.Backend{ID: id, Region: types.RegionOther})
			_ = r.Remove(id)
		}
	}()
	for i := 0; i < 10_000; i++ {
		if _, err := r.Locate(fmt.Sprintf("key-%d", i), types.PreferNearest); err != nil {
			t.Fatal(err)
		}
	}
	<-done
}
