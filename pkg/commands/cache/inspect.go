package cache

import (
	"context"
	"errors"

	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/urfave/cli/v3"

	"github.com/wasmshim/wasmshim/pkg/cmdhelper"
	"github.com/wasmshim/wasmshim/pkg/containerd"
	"github.com/wasmshim/wasmshim/pkg/errdefs"
	"github.com/wasmshim/wasmshim/pkg/oci"
)

// NewInspectCommand returns an InspectCommand with default values.
func NewInspectCommand(parent *CacheCommand) *InspectCommand {
	return &InspectCommand{parent: parent}
}

// InspectCommand reports the cache state of a container's image for an
// engine identity.
type InspectCommand struct {
	parent *CacheCommand

	Engine   string
	Identity string
}

// ToCLI tranforms to a *cli.Command.
func (c *InspectCommand) ToCLI() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the precompile cache state for a container",
		UsageText: `wasmshim cache inspect [OPTIONS] CONTAINER

# Inspect the cache state for a wasmtime v17 engine:
$ wasmshim cache inspect --engine wasmtime --identity v17 my-container
`,
		ArgsUsage: "CONTAINER",
		Flags:     c.Flags(),
		Before:    cli.BeforeFunc(cmdhelper.ExactArgs(1)),
		Action:    c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *InspectCommand) Flags() []cli.Flag {
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

type artifactStatus struct {
	Digest   string `json:"digest"`
	Size     int64  `json:"size"`
	Source   string `json:"source,omitempty"`
	GCRooted bool   `json:"gc_rooted"`
}

type cacheStatus struct {
	Container      string          `json:"container"`
	Image          string          `json:"image"`
	ManifestDigest string          `json:"manifest_digest"`
	Platform       string          `json:"platform,omitempty"`
	CacheKey       string          `json:"cache_key"`
	Cached         bool            `json:"cached"`
	Artifact       *artifactStatus `json:"artifact,omitempty"`
}

// Run implements *cli.Command Action function.
func (c *InspectCommand) Run(ctx context.Context, cmd *cli.Command) error {
	client, err := c.parent.NewClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	containerID := cmd.Args().First()
	container, err := client.GetContainer(ctx, containerID)
	if err != nil {
		return err
	}
	image, err := client.GetImage(ctx, container.GetImage())
	if err != nil {
		return err
	}
	manifestDigest, err := digest.Parse(image.GetTarget().GetDigest())
	if err != nil {
		return errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}

	status := cacheStatus{
		Container:      containerID,
		Image:          image.GetName(),
		ManifestDigest: manifestDigest.String(),
		CacheKey:       containerd.PrecompileLabel(c.Engine, c.Identity),
	}

	if platform, err := c.resolvePlatform(ctx, client, manifestDigest); err == nil {
		status.Platform = platforms.Format(platform)
	}

	if artifact, ok := image.GetLabels()[status.CacheKey]; ok {
		status.Artifact, err = c.resolveArtifact(ctx, client, manifestDigest, status.CacheKey, artifact)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
		status.Cached = status.Artifact != nil
	}

	out, err := cmdhelper.PrettifyJSON(status)
	if err != nil {
		return err
	}
	cmdhelper.Fprintf(cmd.Writer, "%s", out)
	return nil
}

func (c *InspectCommand) resolvePlatform(ctx context.Context, client *containerd.Client, manifestDigest digest.Digest) (imgspecv1.Platform, error) {
	manifestBytes, err := client.ReadContent(ctx, manifestDigest)
	if err != nil {
		return imgspecv1.Platform{}, err
	}
	manifest, err := oci.DecodeManifest(manifestBytes)
	if err != nil {
		return imgspecv1.Platform{}, err
	}
	configBytes, err := client.ReadContent(ctx, manifest.Config.Digest)
	if err != nil {
		return imgspecv1.Platform{}, err
	}
	return oci.DecodePlatform(configBytes)
}

// resolveArtifact stats the cached blob and checks whether the image
// manifest record still carries the GC root that pins it. Returns nil when
// the blob the label points at is gone.
func (c *InspectCommand) resolveArtifact(ctx context.Context, client *containerd.Client, manifestDigest digest.Digest, cacheKey, artifact string) (*artifactStatus, error) {
	artifactDigest, err := digest.Parse(artifact)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}
	info, err := client.GetInfo(ctx, artifactDigest)
	if err != nil {
		return nil, err
	}
	status := &artifactStatus{
		Digest: artifactDigest.String(),
		Size:   info.GetSize(),
		Source: info.GetLabels()[cacheKey],
	}
	if manifestInfo, err := client.GetInfo(ctx, manifestDigest); err == nil {
		status.GCRooted = manifestInfo.GetLabels()[containerd.GCRefContentLabel] == artifactDigest.String()
	}
	return status, nil
}
