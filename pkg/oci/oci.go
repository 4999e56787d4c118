// Package oci provides the in-memory layer pairing and the manifest and
// image config decoding helpers used by the shim client.
package oci

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/wasmshim/wasmshim/pkg/errdefs"
)

// ArchWasm is the architecture value declared by wasm OCI image configs.
const ArchWasm = "wasm"

// DefaultMediaType is the media type used when no media type is specified.
const DefaultMediaType = "application/octet-stream"

// WasmLayer pairs an OCI layer descriptor with its fully materialized
// content. It is transient and never persisted directly; only derived
// artifacts are persisted, keyed by digest.
type WasmLayer struct {
	Config imgspecv1.Descriptor
	Layer  []byte
}

// DecodeManifest decodes an OCI image manifest from its raw content.
func DecodeManifest(content []byte) (imgspecv1.Manifest, error) {
	var manifest imgspecv1.Manifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return manifest, errdefs.Newf(errdefs.ErrInvalidParameter, "decode image manifest: %w", err)
	}
	return manifest, nil
}

// DecodePlatform extracts the platform descriptor from a raw image config
// blob. The platform is the only part of the config the shim cares about.
func DecodePlatform(content []byte) (imgspecv1.Platform, error) {
	var config imgspecv1.Image
	if err := json.Unmarshal(content, &config); err != nil {
		return imgspecv1.Platform{}, errdefs.Newf(errdefs.ErrInvalidParameter, "decode image config: %w", err)
	}
	return config.Platform, nil
}

// IsWasmPlatform reports whether the platform declares the wasm architecture.
func IsWasmPlatform(platform imgspecv1.Platform) bool {
	return platform.Architecture == ArchWasm
}

// NewDescriptorFromBytes returns a descriptor, given the content and media
// type. If no media type is specified, "application/octet-stream" is used.
func NewDescriptorFromBytes(mediaType string, content []byte) imgspecv1.Descriptor {
	if mediaType == "" {
		mediaType = DefaultMediaType
	}
	return imgspecv1.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(content),
		Size:      int64(len(content)),
	}
}
