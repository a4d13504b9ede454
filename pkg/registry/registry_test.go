package registry

import (
	"testing"

	"github.com/ember-hpc/vt/internal/fatalerr"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStampsHomeNode(t *testing.T) {
	r := New(3)
	id := r.Register(func() {}, NoTag)
	assert.Equal(t, 3, id.HomeNode())
	assert.True(t, id.IsAuto())
}

func TestGetPrefersTaggedOverUntagged(t *testing.T) {
	r := New(0)
	id := r.Register("untagged-handler", NoTag)

	// Register a second handler scoped to a tag under the same ID value by
	// directly seeding the tagged map via Register won't do it (Register
	// always mints a fresh ID), so exercise Get's tagged-then-untagged
	// fallback using two distinct registrations that share one ID through
	// Swap's tagged path instead.
	require.NoError(t, swapIntoTag(r, id, "tagged-handler", Tag("primary")))

	fn, ok := r.Get(id, Tag("primary"))
	require.True(t, ok)
	assert.Equal(t, "tagged-handler", fn)

	fn, ok = r.Get(id, NoTag)
	require.True(t, ok)
	assert.Equal(t, "untagged-handler", fn)

	fn, ok = r.Get(id, Tag("missing"))
	require.True(t, ok, "falls back to untagged when the tag has no entry")
	assert.Equal(t, "untagged-handler", fn)
}

// swapIntoTag seeds a tagged entry for id even though Swap normally requires
// a prior registration at that exact (id, tag) key; it registers one first.
func swapIntoTag(r *Registry, id envelope.HandlerID, fn any, tag Tag) error {
	r.mu.Lock()
	r.tagged[taggedKey{id, tag}] = nil // reserve the slot
	r.mu.Unlock()
	return r.Swap(id, fn, tag)
}

func TestUnknownHandlerReturnsNotOK(t *testing.T) {
	r := New(0)
	_, ok := r.Get(envelope.NewHandlerID(999, 0, true), NoTag)
	assert.False(t, ok)
}

func TestSwapReplacesExistingHandler(t *testing.T) {
	r := New(0)
	id := r.Register("v1", NoTag)
	require.NoError(t, r.Swap(id, "v2", NoTag))
	fn, ok := r.Get(id, NoTag)
	require.True(t, ok)
	assert.Equal(t, "v2", fn)
}

func TestSwapOnUnregisteredIDErrors(t *testing.T) {
	r := New(0)
	err := r.Swap(envelope.NewHandlerID(1, 0, true), "x", NoTag)
	require.Error(t, err)
}

func TestUnregisterRemovesHandler(t *testing.T) {
	r := New(0)
	id := r.Register("v1", NoTag)
	r.Unregister(id, NoTag)
	_, ok := r.Get(id, NoTag)
	assert.False(t, ok)
}

func TestRegisterCollectiveYieldsNoHomeNode(t *testing.T) {
	r := New(5)
	id, err := r.RegisterCollective("collective-fn")
	require.NoError(t, err)
	assert.Equal(t, 0, id.HomeNode())
	assert.False(t, id.IsAuto())
}

func TestCollectiveIDsMatchAcrossRanksWithSameCallOrder(t *testing.T) {
	r0 := New(0)
	r1 := New(1)

	idA0, err := r0.RegisterCollective("A")
	require.NoError(t, err)
	idB0, err := r0.RegisterCollective("B")
	require.NoError(t, err)

	idA1, err := r1.RegisterCollective("A")
	require.NoError(t, err)
	idB1, err := r1.RegisterCollective("B")
	require.NoError(t, err)

	assert.Equal(t, idA0, idA1)
	assert.Equal(t, idB0, idB1)
}

func TestRegisterCollectiveFailsAfterWindowCloses(t *testing.T) {
	aborted := false
	fatalerr.SetExitFunc(func(int) { aborted = true })
	defer fatalerr.SetExitFunc(nil)

	r := New(0)
	r.CloseCollectiveWindow()
	_, err := r.RegisterCollective("too-late")
	require.Error(t, err)
	assert.True(t, aborted)
}
