// Command apexd is the privileged daemon that activates signed package
// images under /apex (§1, §2).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"

	"github.com/aospa-op5t-derp/android-system-apex/internal/activation"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile/diskstore"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile/sidecar"
	"github.com/aospa-op5t-derp/android-system-apex/internal/bootstrap"
	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/hooks"
	"github.com/aospa-op5t-derp/android-system-apex/internal/loop"
	"github.com/aospa-op5t-derp/android-system-apex/internal/mountengine"
	"github.com/aospa-op5t-derp/android-system-apex/internal/registry"
	"github.com/aospa-op5t-derp/android-system-apex/internal/selinux"
	"github.com/aospa-op5t-derp/android-system-apex/internal/session"
	"github.com/aospa-op5t-derp/android-system-apex/internal/sysprop"
)

var configPath = "/system/etc/apexd.toml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "apexd: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := log.WithLogger(context.Background(), log.L)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.GlobalRootDir != "" {
		dirs.GlobalRootDir = cfg.GlobalRootDir
	}

	if err := log.SetLevel("info"); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	loop.SetLogger(log.G(ctx).Warnf)
	mountengine.SetLogger(log.G(ctx).Warnf)

	trust := diskstore.New(dirs.TrustedKeyDirs())
	parser := sidecar.Parser{}
	verifier := sidecar.Verifier{}

	reg := registry.New()
	ctl := activation.New(cfg, reg, parser, trust, verifier)

	meta, err := session.OpenMetadata(dirs.SessionsMetadataFile())
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}
	defer meta.Close()

	engine := session.NewEngine(meta, parser, trust, verifier, noopExecutor{}, selinux.NoopRestorer{})
	props := sysprop.NewInProcess()

	seq := bootstrap.New(cfg, ctl, engine, props)
	if err := seq.Run(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	log.G(ctx).Info("apexd ready")
	select {}
}

// noopExecutor is the default hook executor wiring: it reports success
// without running anything, since forking a sandboxed child is out of
// this repo's scope (§1).
type noopExecutor struct{}

func (noopExecutor) Run(ctx context.Context, phase hooks.Phase, files []*apexfile.File) error {
	return nil
}
