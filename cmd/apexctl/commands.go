package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/aospa-op5t-derp/android-system-apex/internal/activation"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile/diskstore"
	"github.com/aospa-op5t-derp/android-system-apex/internal/apexfile/sidecar"
	"github.com/aospa-op5t-derp/android-system-apex/internal/config"
	"github.com/aospa-op5t-derp/android-system-apex/internal/dirs"
	"github.com/aospa-op5t-derp/android-system-apex/internal/hooks"
	"github.com/aospa-op5t-derp/android-system-apex/internal/registry"
	"github.com/aospa-op5t-derp/android-system-apex/internal/rpcclient"
	"github.com/aospa-op5t-derp/android-system-apex/internal/selinux"
	"github.com/aospa-op5t-derp/android-system-apex/internal/session"
)

// newClient wires an in-process RPC client against fresh collaborators.
// A real deployment replaces this with a client dialing the running
// apexd over its RPC transport (§1, out of scope).
func newClient() (rpcclient.Client, func(), error) {
	cfg, err := config.Load("/system/etc/apexd.toml")
	if err != nil {
		return nil, nil, err
	}
	if cfg.GlobalRootDir != "" {
		dirs.GlobalRootDir = cfg.GlobalRootDir
	}

	trust := diskstore.New(dirs.TrustedKeyDirs())
	parser := sidecar.Parser{}
	verifier := sidecar.Verifier{}

	reg := registry.New()
	ctl := activation.New(cfg, reg, parser, trust, verifier)

	meta, err := session.OpenMetadata(dirs.SessionsMetadataFile())
	if err != nil {
		return nil, nil, err
	}

	engine := session.NewEngine(meta, parser, trust, verifier, noopExecutor{}, selinux.NoopRestorer{})

	client := &rpcclient.InProcess{Controller: ctl, Engine: engine}
	return client, func() { meta.Close() }, nil
}

type noopExecutor struct{}

func (noopExecutor) Run(ctx context.Context, phase hooks.Phase, files []*apexfile.File) error {
	return nil
}

var stagePackageCommand = &cli.Command{
	Name:      "stagePackage",
	Usage:     "stage one package",
	ArgsUsage: "<path>",
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 1 {
			return cli.Exit("stagePackage requires exactly one path", 1)
		}
		client, closer, err := newClient()
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer closer()

		if err := client.StagePackage(cctx.Context, cctx.Args().First()); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	},
}

var stagePackagesCommand = &cli.Command{
	Name:      "stagePackages",
	Usage:     "stage many packages",
	ArgsUsage: "<path>...",
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() == 0 {
			return cli.Exit("stagePackages requires at least one path", 1)
		}
		client, closer, err := newClient()
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer closer()

		if err := client.StagePackages(cctx.Context, cctx.Args().Slice()); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	},
}

var getActivePackagesCommand = &cli.Command{
	Name:  "getActivePackages",
	Usage: "print name version pairs for every active package",
	Action: func(cctx *cli.Context) error {
		client, closer, err := newClient()
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer closer()

		ids, err := client.GetActivePackages(cctx.Context)
		if err != nil {
			return cli.Exit(err, 1)
		}
		for _, id := range ids {
			fmt.Printf("%s %d\n", id.Name, id.Version)
		}
		return nil
	},
}

var activatePackageCommand = &cli.Command{
	Name:      "activatePackage",
	Usage:     "activate a package (debug builds only)",
	ArgsUsage: "<path>",
	Action: func(cctx *cli.Context) error {
		if !isDebugBuild() {
			return cli.Exit("activatePackage is only available on debug builds", 1)
		}
		if cctx.Args().Len() != 1 {
			return cli.Exit("activatePackage requires exactly one path", 1)
		}
		client, closer, err := newClient()
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer closer()

		if err := client.ActivatePackage(cctx.Context, cctx.Args().First()); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	},
}

var deactivatePackageCommand = &cli.Command{
	Name:      "deactivatePackage",
	Usage:     "deactivate a package (debug builds only)",
	ArgsUsage: "<path>",
	Action: func(cctx *cli.Context) error {
		if !isDebugBuild() {
			return cli.Exit("deactivatePackage is only available on debug builds", 1)
		}
		if cctx.Args().Len() != 1 {
			return cli.Exit("deactivatePackage requires exactly one path", 1)
		}
		client, closer, err := newClient()
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer closer()

		if err := client.DeactivatePackage(cctx.Context, cctx.Args().First()); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	},
}
