package containerd

import (
	"context"
	"fmt"

	imagesapi "github.com/containerd/containerd/api/services/images/v1"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"

	"github.com/wasmshim/wasmshim/pkg/engine"
	"github.com/wasmshim/wasmshim/pkg/errdefs"
	"github.com/wasmshim/wasmshim/pkg/oci"
	"github.com/wasmshim/wasmshim/pkg/xlog"
)

const (
	// precompilePrefix heads the image label key that indexes cached
	// precompiled artifacts by engine identity.
	precompilePrefix = "runwasi.io/precompiled"

	// GCRefContentLabel marks the image manifest content record as a durable
	// GC root for its precompiled artifact. The artifact then survives lease
	// expiry for as long as the image itself is kept.
	GCRefContentLabel = "containerd.io/gc.ref.content.precompile"
)

// PrecompileLabel is the durable cache key for an engine identity. An
// artifact compiled by one engine name or version is not loadable by
// another, so both are part of the key.
func PrecompileLabel(name, identity string) string {
	return fmt.Sprintf("%s/%s/%s", precompilePrefix, name, identity)
}

// LoadModules resolves the container's image and returns the minimal set of
// wasm layers to execute plus the image's platform.
//
// When the engine supports precompilation, a previously cached artifact is
// returned directly if the image carries a cache label and the referenced
// content is still readable. Otherwise the supported layers are fetched,
// precompiled into one consolidated artifact, persisted, and indexed on the
// image record for the next run. When the engine does not support
// precompilation, the supported layers are returned as-is.
//
// An image whose platform is not wasm yields an empty layer set and the
// decoded platform; dispatch on that outcome is left to the caller.
func (c *Client) LoadModules(ctx context.Context, containerID string, eng engine.Engine) ([]oci.WasmLayer, imgspecv1.Platform, error) {
	logger := xlog.C(ctx)

	image, imageDigest, manifest, platform, err := c.resolveImage(ctx, containerID)
	if err != nil {
		return nil, imgspecv1.Platform{}, err
	}
	if !oci.IsWasmPlatform(platform) {
		logger.Infof("image %s is %s, not a wasm OCI image", image.GetName(), platforms.Format(platform))
		return nil, platform, nil
	}

	cacheKey := ""
	if identity, ok := eng.CanPrecompile(); ok {
		cacheKey = PrecompileLabel(eng.Name(), identity)
	}

	// Cache lookup. A label that points at content gone missing from the
	// store is a miss, not a failure: the store is externally mutable and
	// recompilation overwrites the stale label.
	if cacheKey != "" {
		if cached, ok := image.GetLabels()[cacheKey]; ok {
			artifact, err := c.ReadContent(ctx, digest.Digest(cached))
			if err == nil {
				logger.Infof("found precompiled artifact %s in cache", cached)
				return []oci.WasmLayer{{Config: manifest.Config, Layer: artifact}}, platform, nil
			}
			logger.Warnf("failed to read precompiled artifact %s from cache, will recompile: %v", cached, err)
		}
	}

	supported := lo.Filter(manifest.Layers, func(desc imgspecv1.Descriptor, _ int) bool {
		return engine.IsSupportedLayerType(eng, desc.MediaType)
	})
	if len(supported) == 0 {
		logger.Infof("no wasm modules found in layers of image %s", image.GetName())
		return nil, platform, nil
	}
	layers := make([][]byte, 0, len(supported))
	for _, desc := range supported {
		content, err := c.ReadContent(ctx, desc.Digest)
		if err != nil {
			return nil, imgspecv1.Platform{}, err
		}
		layers = append(layers, content)
	}

	if cacheKey == "" {
		logger.Infof("using %d modules from OCI layers", len(layers))
		return lo.Map(layers, func(content []byte, _ int) oci.WasmLayer {
			return oci.WasmLayer{Config: manifest.Config, Layer: content}
		}), platform, nil
	}

	artifact, err := c.precompile(ctx, eng, image, imageDigest, cacheKey, layers)
	if err != nil {
		return nil, imgspecv1.Platform{}, err
	}
	return []oci.WasmLayer{{Config: manifest.Config, Layer: artifact}}, platform, nil
}

// LoadComponents is the cache-free variant used by component-model shims:
// every supported layer is fetched and paired with its own descriptor, with
// no precompilation or relabeling.
func (c *Client) LoadComponents(ctx context.Context, containerID string, eng engine.Engine) ([]oci.WasmLayer, imgspecv1.Platform, error) {
	logger := xlog.C(ctx)

	image, _, manifest, platform, err := c.resolveImage(ctx, containerID)
	if err != nil {
		return nil, imgspecv1.Platform{}, err
	}
	if !oci.IsWasmPlatform(platform) {
		logger.Infof("image %s is %s, not a wasm OCI image", image.GetName(), platforms.Format(platform))
		return nil, platform, nil
	}

	var result []oci.WasmLayer
	for _, desc := range manifest.Layers {
		if !engine.IsSupportedLayerType(eng, desc.MediaType) {
			continue
		}
		content, err := c.ReadContent(ctx, desc.Digest)
		if err != nil {
			return nil, imgspecv1.Platform{}, err
		}
		result = append(result, oci.WasmLayer{Config: desc, Layer: content})
	}
	return result, platform, nil
}

// resolveImage walks container -> image -> manifest -> config and decodes
// the pieces the shim needs.
func (c *Client) resolveImage(ctx context.Context, containerID string) (image *imagesapi.Image, imageDigest digest.Digest, manifest imgspecv1.Manifest, platform imgspecv1.Platform, err error) {
	container, err := c.GetContainer(ctx, containerID)
	if err != nil {
		return nil, "", manifest, platform, err
	}
	image, err = c.GetImage(ctx, container.GetImage())
	if err != nil {
		return nil, "", manifest, platform, err
	}
	imageDigest, err = imageTargetDigest(image)
	if err != nil {
		return nil, "", manifest, platform, err
	}
	manifestBytes, err := c.ReadContent(ctx, imageDigest)
	if err != nil {
		return nil, "", manifest, platform, err
	}
	manifest, err = oci.DecodeManifest(manifestBytes)
	if err != nil {
		return nil, "", manifest, platform, err
	}
	configBytes, err := c.ReadContent(ctx, manifest.Config.Digest)
	if err != nil {
		return nil, "", manifest, platform, err
	}
	platform, err = oci.DecodePlatform(configBytes)
	if err != nil {
		return nil, "", manifest, platform, err
	}
	return image, imageDigest, manifest, platform, nil
}

// precompile invokes the engine, persists the artifact under a write lease,
// indexes it on the image record, and roots it on the manifest content
// record so it survives lease expiry.
func (c *Client) precompile(ctx context.Context, eng engine.Engine, image *imagesapi.Image, imageDigest digest.Digest, cacheKey string, layers [][]byte) ([]byte, error) {
	logger := xlog.C(ctx)

	logger.Infof("precompiling %d modules of image %s", len(layers), image.GetName())
	artifact, err := eng.Precompile(ctx, layers)
	if err != nil {
		return nil, err
	}

	written, err := c.WriteContent(ctx, artifact, cacheKey, imageDigest)
	if err != nil {
		return nil, err
	}
	// The lease must outlive the labeling below: dropping it earlier would
	// expose the artifact to collection before any durable reference exists.
	defer written.Lease.Release(ctx)

	labels := image.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[cacheKey] = written.Digest.String()
	image.Labels = labels
	updated, err := c.UpdateImage(ctx, image)
	if err != nil {
		return nil, err
	}
	// Confirm the cache index points at what was just written; a label left
	// pointing elsewhere would silently serve stale content on the next run.
	if got := updated.GetLabels()[cacheKey]; got != written.Digest.String() {
		return nil, errdefs.Newf(errdefs.ErrVerification, "image label %s points at %q after update, expected %s", cacheKey, got, written.Digest)
	}

	// The image manifest is a root object. Referencing the artifact from it
	// tells the daemon to keep the artifact for as long as the image exists,
	// independent of the write lease.
	info, err := c.GetInfo(ctx, imageDigest)
	if err != nil {
		return nil, err
	}
	infoLabels := info.GetLabels()
	if infoLabels == nil {
		infoLabels = map[string]string{}
	}
	infoLabels[GCRefContentLabel] = written.Digest.String()
	info.Labels = infoLabels
	if _, err := c.UpdateInfo(ctx, info); err != nil {
		return nil, err
	}
	logger.Infof("cached precompiled artifact %s for image %s", written.Digest, image.GetName())
	return artifact, nil
}
