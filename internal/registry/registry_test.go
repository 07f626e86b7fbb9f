// ABOUTME: Tests for the tool registry including ordering, duplicates, and snapshot isolation.
// ABOUTME: Validates concurrent reads during registration churn and provider tool replacement.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/toolerr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(slog.Default())
	t.Cleanup(r.Close)
	return r
}

func tool(name, provider string) ToolDescriptor {
	return ToolDescriptor{
		Name:        name,
		Description: name + " tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		ProviderID:  provider,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(tool("echo", "p1")))

	got, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProviderID)
	assert.JSONEq(t, `{"type":"object"}`, string(got.InputSchema))

	require.NoError(t, r.Unregister("echo"))

	_, err = r.Lookup("echo")
	assert.True(t, errors.Is(err, toolerr.ErrToolNotFound))
}

func TestRegisterDuplicateLeavesRegistryUnchanged(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(tool("echo", "p1")))
	before := r.Snapshot()

	err := r.Register(tool("echo", "p2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolerr.ErrDuplicateTool))
	assert.Contains(t, err.Error(), `"p1"`)

	after := r.Snapshot()
	assert.Same(t, before, after, "failed registration must not publish a snapshot")

	got, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProviderID)
}

func TestUnregisterUnknown(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Unregister("missing")
	assert.True(t, errors.Is(err, toolerr.ErrToolNotFound))
}

func TestListAllInsertionOrder(t *testing.T) {
	r := newTestRegistry(t)
	names := []string{"zeta", "alpha", "mid", "beta"}
	for _, n := range names {
		require.NoError(t, r.Register(tool(n, "p1")))
	}

	assert.Equal(t, names, r.Snapshot().Names())

	require.NoError(t, r.Unregister("alpha"))
	require.NoError(t, r.Register(tool("alpha", "p1")))
	assert.Equal(t, []string{"zeta", "mid", "beta", "alpha"}, r.Snapshot().Names())
}

func TestListAllReflectsChangesImmediately(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(tool("echo", "p1")))
	list := r.ListAll()
	require.Len(t, list, 1)
	assert.Equal(t, "echo", list[0].Name)

	require.NoError(t, r.Unregister("echo"))
	assert.Empty(t, r.ListAll())
}

func TestSnapshotIsImmutable(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(tool("a", "p1")))

	snap := r.Snapshot()
	gen := snap.Generation

	require.NoError(t, r.Register(tool("b", "p1")))

	assert.Equal(t, 1, snap.Len(), "old snapshot must not see later registrations")
	assert.Equal(t, gen, snap.Generation)
	assert.Equal(t, gen+1, r.Snapshot().Generation)

	tools := snap.Tools()
	tools[0].Name = "mutated"
	_, ok := snap.Lookup("a")
	assert.True(t, ok, "Tools() must return a copy")
}

func TestReplaceProviderTools(t *testing.T) {
	t.Run("keeps positions and appends new tools", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(tool("a", "p1")))
		require.NoError(t, r.Register(tool("x", "p2")))
		require.NoError(t, r.Register(tool("b", "p1")))

		updated := tool("b", "ignored")
		updated.Description = "new b"
		err := r.ReplaceProviderTools("p1", []ToolDescriptor{updated, tool("c", "")})
		require.NoError(t, err)

		assert.Equal(t, []string{"x", "b", "c"}, r.Snapshot().Names())
		got, _ := r.Lookup("b")
		assert.Equal(t, "new b", got.Description)
		assert.Equal(t, "p1", got.ProviderID)
	})

	t.Run("rejects names owned by another provider", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(tool("shared", "p2")))
		before := r.Snapshot()

		err := r.ReplaceProviderTools("p1", []ToolDescriptor{tool("mine", ""), tool("shared", "")})
		assert.True(t, errors.Is(err, toolerr.ErrDuplicateTool))
		assert.Same(t, before, r.Snapshot())
	})

	t.Run("rejects duplicates within one advertisement", func(t *testing.T) {
		r := newTestRegistry(t)
		err := r.ReplaceProviderTools("p1", []ToolDescriptor{tool("a", ""), tool("a", "")})
		assert.True(t, errors.Is(err, toolerr.ErrDuplicateTool))
	})

	t.Run("identical set does not publish", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.ReplaceProviderTools("p1", []ToolDescriptor{tool("a", ""), tool("b", "")}))
		before := r.Snapshot()

		var fired atomic.Int64
		r.OnChange(func(*Snapshot) { fired.Add(1) })

		// order within the advertisement does not matter
		require.NoError(t, r.ReplaceProviderTools("p1", []ToolDescriptor{tool("b", ""), tool("a", "")}))
		assert.Same(t, before, r.Snapshot())
		assert.Zero(t, fired.Load())

		changed := tool("a", "")
		changed.InputSchema = json.RawMessage(`{"type":"object","required":["x"]}`)
		require.NoError(t, r.ReplaceProviderTools("p1", []ToolDescriptor{changed, tool("b", "")}))
		assert.Equal(t, before.Generation+1, r.Snapshot().Generation)
		assert.Equal(t, int64(1), fired.Load())

		described := changed
		described.Description = "renamed"
		require.NoError(t, r.ReplaceProviderTools("p1", []ToolDescriptor{described, tool("b", "")}))
		assert.Equal(t, before.Generation+2, r.Snapshot().Generation)
		assert.Equal(t, int64(2), fired.Load())
	})
}

func TestUnregisterProvider(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(tool("a", "p1")))
	require.NoError(t, r.Register(tool("b", "p2")))
	require.NoError(t, r.Register(tool("c", "p1")))

	n, err := r.UnregisterProvider("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"b"}, r.Snapshot().Names())

	gen := r.Snapshot().Generation
	n, err = r.UnregisterProvider("p1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, gen, r.Snapshot().Generation, "no-op must not publish")
}

func TestOnChange(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var gens []uint64
	r.OnChange(func(snap *Snapshot) {
		mu.Lock()
		gens = append(gens, snap.Generation)
		mu.Unlock()
	})

	require.NoError(t, r.Register(tool("a", "p1")))
	_ = r.Register(tool("a", "p1")) // duplicate, no notification
	require.NoError(t, r.Unregister("a"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, gens)
}

func TestConcurrentReadsDuringChurn(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(tool("stable", "p1")))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := r.Snapshot()
				names := snap.Names()
				for _, n := range names {
					if _, ok := snap.Lookup(n); !ok {
						t.Errorf("snapshot inconsistent: %q listed but not found", n)
						return
					}
				}
				if _, err := r.Lookup("stable"); err != nil {
					t.Errorf("stable tool disappeared: %v", err)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("tool-%d", i)
		require.NoError(t, r.Register(tool(name, "p2")))
		if i%2 == 0 {
			require.NoError(t, r.Unregister(name))
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 101, r.Snapshot().Len())
}

func TestClosedRegistry(t *testing.T) {
	r := New(slog.Default())
	require.NoError(t, r.Register(tool("a", "p1")))
	r.Close()

	assert.ErrorIs(t, r.Register(tool("b", "p1")), ErrRegistryClosed)
	_, err := r.Lookup("a")
	assert.NoError(t, err, "reads keep working after close")
}
