package hooks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apextest"
	"github.com/aospa-op5t-derp/android-system-apex/internal/hooks"
)

func TestDispatchSkipsFilesWithoutHook(t *testing.T) {
	executor := &apextest.FakeExecutor{}
	files := []*apexfile.File{
		{Manifest: apexfile.Manifest{Name: "com.foo"}},
		{Manifest: apexfile.Manifest{Name: "com.bar"}},
	}

	require.NoError(t, hooks.Dispatch(context.Background(), executor, hooks.Preinstall, files))
	assert.Empty(t, executor.Calls, "no file declares a preinstall hook")
}

func TestDispatchInvokesOnlyFilesWithMatchingPhase(t *testing.T) {
	executor := &apextest.FakeExecutor{}
	withPre := &apexfile.File{Manifest: apexfile.Manifest{Name: "com.foo", PreinstallHook: "bin/pre"}}
	withPost := &apexfile.File{Manifest: apexfile.Manifest{Name: "com.bar", PostinstallHook: "bin/post"}}
	withNeither := &apexfile.File{Manifest: apexfile.Manifest{Name: "com.baz"}}

	require.NoError(t, hooks.Dispatch(context.Background(), executor, hooks.Preinstall, []*apexfile.File{withPre, withPost, withNeither}))

	require.Len(t, executor.Calls, 1)
	assert.Equal(t, hooks.Preinstall, executor.Calls[0].Phase)
	require.Len(t, executor.Calls[0].Files, 1)
	assert.Equal(t, "com.foo", executor.Calls[0].Files[0].Manifest.Name)
}

func TestDispatchPropagatesExecutorFailure(t *testing.T) {
	executor := &apextest.FakeExecutor{Fail: true}
	withHook := &apexfile.File{Manifest: apexfile.Manifest{Name: "com.foo", PostinstallHook: "bin/post"}}

	err := hooks.Dispatch(context.Background(), executor, hooks.Postinstall, []*apexfile.File{withHook})
	assert.Error(t, err)
}
