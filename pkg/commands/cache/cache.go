// Package cache provides commands to inspect and prune precompiled artifacts
// stored in the containerd content store.
package cache

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/wasmshim/wasmshim/pkg/containerd"
)

const (
	// DefaultAddress is the conventional containerd socket path.
	DefaultAddress = "/run/containerd/containerd.sock"

	// DefaultNamespace is the containerd namespace used when none is given.
	DefaultNamespace = "default"
)

// New creates a new CacheCommand.
func New() *CacheCommand {
	return &CacheCommand{
		Address:   DefaultAddress,
		Namespace: DefaultNamespace,
	}
}

// CacheCommand is a command for the artifact cache and retains the common
// flags for subcommands.
type CacheCommand struct {
	Address   string
	Namespace string
}

// ToCLI tranforms to a *cli.Command.
func (c *CacheCommand) ToCLI() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Manage precompiled wasm artifacts",
		Flags: c.Flags(),
		Commands: []*cli.Command{
			NewInspectCommand(c).ToCLI(),
			NewPruneCommand(c).ToCLI(),
		},
	}
}

// Flags defines the flags related to the current command.
func (c *CacheCommand) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "address",
			Aliases:     []string{"a"},
			Usage:       "containerd grpc socket address",
			Sources:     cli.EnvVars("WASMSHIM_CONTAINERD_ADDRESS", "CONTAINERD_ADDRESS"),
			Destination: &c.Address,
			Value:       c.Address,
			Persistent:  true,
		},
		&cli.StringFlag{
			Name:        "namespace",
			Aliases:     []string{"n"},
			Usage:       "containerd namespace to operate in",
			Sources:     cli.EnvVars("WASMSHIM_NAMESPACE", "CONTAINERD_NAMESPACE"),
			Destination: &c.Namespace,
			Value:       c.Namespace,
			Persistent:  true,
		},
	}
}

// NewClient connects to the containerd daemon with flags configured.
func (c *CacheCommand) NewClient(ctx context.Context) (*containerd.Client, error) {
	return containerd.Connect(ctx, c.Address, c.Namespace)
}
