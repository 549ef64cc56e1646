// Package rpcclient defines the client side of the IPC/RPC surface
// (§6) apexctl drives. The transport itself is out of this repo's
// scope (§1); this package only fixes the operations available across
// it and provides an in-process adapter — talking directly to the
// daemon's own components — suitable for apexctl running colocated
// with apexd and for tests.
package rpcclient

import (
	"context"

	"github.com/aospa-op5t-derp/android-system-apex/internal/activation"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/session"
)

// Client is the RPC surface listed in §6.
type Client interface {
	StagePackage(ctx context.Context, path string) error
	StagePackages(ctx context.Context, paths []string) error
	GetActivePackages(ctx context.Context) ([]apexfile.Identifier, error)
	ActivatePackage(ctx context.Context, path string) error
	DeactivatePackage(ctx context.Context, path string) error
	SubmitStagedSession(ctx context.Context, sessionID int, childSessionIDs []int) ([]*apexfile.File, error)
	MarkStagedSessionReady(ctx context.Context, sessionID int) error
}

// InProcess adapts a Controller and Engine living in this process to
// the Client interface.
type InProcess struct {
	Controller *activation.Controller
	Engine     *session.Engine
}

func (c *InProcess) StagePackage(ctx context.Context, path string) error {
	return c.Engine.Stage([]string{path}, session.LinkPreferred)
}

func (c *InProcess) StagePackages(ctx context.Context, paths []string) error {
	return c.Engine.Stage(paths, session.LinkPreferred)
}

func (c *InProcess) GetActivePackages(ctx context.Context) ([]apexfile.Identifier, error) {
	return c.Controller.GetActivePackages(), nil
}

func (c *InProcess) ActivatePackage(ctx context.Context, path string) error {
	return c.Controller.Activate(ctx, path)
}

func (c *InProcess) DeactivatePackage(ctx context.Context, path string) error {
	return c.Controller.Deactivate(ctx, path)
}

func (c *InProcess) SubmitStagedSession(ctx context.Context, sessionID int, childSessionIDs []int) ([]*apexfile.File, error) {
	return c.Engine.SubmitStagedSession(ctx, sessionID, childSessionIDs)
}

func (c *InProcess) MarkStagedSessionReady(ctx context.Context, sessionID int) error {
	return c.Engine.MarkStagedSessionReady(sessionID)
}
