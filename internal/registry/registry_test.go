package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
)

func id(name string, version uint64) apexfile.Identifier {
	return apexfile.Identifier{Name: name, Version: version}
}

func TestAddRejectsDuplicate(t *testing.T) {
	r := New()
	e := Entry{ID: id("com.foo", 1), MountPoint: "/apex/com.foo@1"}

	require.NoError(t, r.Add(e))
	assert.Error(t, r.Add(e))
}

func TestSetLatestMovesMarker(t *testing.T) {
	r := New()
	v1 := id("com.foo", 1)
	v2 := id("com.foo", 2)

	require.NoError(t, r.Add(Entry{ID: v1, MountPoint: "/apex/com.foo@1"}))
	require.NoError(t, r.Add(Entry{ID: v2, MountPoint: "/apex/com.foo@2"}))

	require.NoError(t, r.SetLatest(v1))
	latest, ok := r.Latest("com.foo")
	require.True(t, ok)
	assert.EqualValues(t, 1, latest.ID.Version)

	require.NoError(t, r.SetLatest(v2))
	latest, ok = r.Latest("com.foo")
	require.True(t, ok)
	assert.EqualValues(t, 2, latest.ID.Version)

	e1, _ := r.Get(v1)
	assert.False(t, e1.IsLatest, "v1 should no longer be marked latest")
}

func TestRemoveClearsLatestWithoutRepointing(t *testing.T) {
	r := New()
	v1 := id("com.foo", 1)

	require.NoError(t, r.Add(Entry{ID: v1, MountPoint: "/apex/com.foo@1"}))
	require.NoError(t, r.SetLatest(v1))
	require.NoError(t, r.Remove(v1))

	_, ok := r.Latest("com.foo")
	assert.False(t, ok, "expected no latest after removing the only version")
}

func TestForEachOnlyReturnsLatestPerName(t *testing.T) {
	r := New()
	foo1 := id("com.foo", 1)
	foo2 := id("com.foo", 2)
	bar1 := id("com.bar", 1)

	for _, e := range []Entry{
		{ID: foo1, MountPoint: "/apex/com.foo@1"},
		{ID: foo2, MountPoint: "/apex/com.foo@2"},
		{ID: bar1, MountPoint: "/apex/com.bar@1"},
	} {
		require.NoError(t, r.Add(e))
	}
	require.NoError(t, r.SetLatest(foo2))
	require.NoError(t, r.SetLatest(bar1))

	var got []apexfile.Identifier
	r.ForEach(func(e Entry) { got = append(got, e.ID) })

	assert.Len(t, got, 2)
}

func TestForEachAllIncludesCoMountedVersions(t *testing.T) {
	r := New()
	foo1 := id("com.foo", 1)
	foo2 := id("com.foo", 2)

	require.NoError(t, r.Add(Entry{ID: foo1, MountPoint: "/apex/com.foo@1"}))
	require.NoError(t, r.Add(Entry{ID: foo2, MountPoint: "/apex/com.foo@2"}))
	require.NoError(t, r.SetLatest(foo2))

	var got []apexfile.Identifier
	r.ForEachAll(func(e Entry) { got = append(got, e.ID) })

	assert.Len(t, got, 2)
}
