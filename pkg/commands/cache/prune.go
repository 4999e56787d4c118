package cache

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v3"

	"github.com/wasmshim/wasmshim/pkg/cmdhelper"
	"github.com/wasmshim/wasmshim/pkg/containerd"
	"github.com/wasmshim/wasmshim/pkg/errdefs"
	"github.com/wasmshim/wasmshim/pkg/xlog"
)

// NewPruneCommand returns a PruneCommand with default values.
func NewPruneCommand(parent *CacheCommand) *PruneCommand {
	return &PruneCommand{parent: parent}
}

// PruneCommand removes a cached precompiled artifact from an image,
// together with the labels that index and pin it.
type PruneCommand struct {
	parent *CacheCommand

	Engine   string
	Identity string
}

// ToCLI tranforms to a *cli.Command.
func (c *PruneCommand) ToCLI() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Remove the cached precompiled artifact of an image",
		UsageText: `wasmshim cache prune [OPTIONS] IMAGE

# Remove the artifact compiled by wasmtime v17:
$ wasmshim cache prune --engine wasmtime --identity v17 registry.example.com/app:latest
`,
		ArgsUsage: "IMAGE",
		Flags:     c.Flags(),
		Before:    cli.BeforeFunc(cmdhelper.ExactArgs(1)),
		Action:    c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *PruneCommand) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "engine",
			Aliases:     []string{"e"},
			Usage:       "wasm engine name the artifact was compiled by",
			Destination: &c.Engine,
			Value:       c.Engine,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "identity",
			Aliases:     []string{"i"},
			Usage:       "engine compiler identity, usually the engine version",
			Destination: &c.Identity,
			Value:       c.Identity,
			Required:    true,
		},
	}
}

// Run implements *cli.Command Action function.
func (c *PruneCommand) Run(ctx context.Context, cmd *cli.Command) error {
	client, err := c.parent.NewClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	imageName := cmd.Args().First()
	image, err := client.GetImage(ctx, imageName)
	if err != nil {
		return err
	}

	cacheKey := containerd.PrecompileLabel(c.Engine, c.Identity)
	labels := image.GetLabels()
	artifact, ok := labels[cacheKey]
	if !ok {
		cmdhelper.Fprintf(cmd.Writer, "No cached artifact for %s on %s", cacheKey, imageName)
		return nil
	}
	artifactDigest, err := digest.Parse(artifact)
	if err != nil {
		return errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}

	// Drop the index label first so a concurrent load falls back to a
	// recompile instead of reading a half-deleted blob.
	delete(labels, cacheKey)
	image.Labels = labels
	if _, err := client.UpdateImage(ctx, image); err != nil {
		return err
	}

	c.unpinManifest(ctx, client, image.GetTarget().GetDigest(), artifactDigest)

	if err := client.DeleteContent(ctx, artifactDigest); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}
	cmdhelper.Fprintf(cmd.Writer, "Removed cached artifact %s from %s", artifactDigest, imageName)
	return nil
}

// unpinManifest removes the GC root label from the image manifest content
// record. Best effort, the blob delete below reclaims the space either way.
func (c *PruneCommand) unpinManifest(ctx context.Context, client *containerd.Client, manifest string, artifactDigest digest.Digest) {
	manifestDigest, err := digest.Parse(manifest)
	if err != nil {
		return
	}
	info, err := client.GetInfo(ctx, manifestDigest)
	if err != nil {
		xlog.C(ctx).Warnf("Failed to stat manifest record %s: %v", manifestDigest, err)
		return
	}
	labels := info.GetLabels()
	if labels[containerd.GCRefContentLabel] != artifactDigest.String() {
		return
	}
	delete(labels, containerd.GCRefContentLabel)
	info.Labels = labels
	if _, err := client.UpdateInfo(ctx, info); err != nil {
		xlog.C(ctx).Warnf("Failed to unpin manifest record %s: %v", manifestDigest, err)
	}
}
