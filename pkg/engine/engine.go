// Package engine defines the workload engine collaborator consumed by the
// containerd client. An engine knows which OCI layer media types it can run
// and, optionally, how to precompile raw layers into a faster-loading
// artifact.
package engine

import (
	"context"

	"github.com/samber/lo"
)

//go:generate mockgen -destination=./mocks/mock_engine.go -package=mocks github.com/wasmshim/wasmshim/pkg/engine Engine

// Engine is the pluggable workload engine interface.
type Engine interface {
	// Name returns the engine name. It is part of the precompile cache key,
	// so it must be stable across runs of the same engine.
	Name() string

	// SupportedLayerTypes returns the OCI layer media types the engine is
	// able to execute. Layers with other media types are never fetched.
	SupportedLayerTypes() []string

	// CanPrecompile returns the engine's precompiler identity and true when
	// the engine supports precompilation. The identity must change whenever
	// a precompiled artifact would no longer be loadable, e.g. on an engine
	// version bump.
	CanPrecompile() (string, bool)

	// Precompile transforms the raw layer contents, in manifest order, into
	// one consolidated artifact.
	Precompile(ctx context.Context, layers [][]byte) ([]byte, error)
}

// IsSupportedLayerType reports whether mediaType is in the engine's
// supported set.
func IsSupportedLayerType(e Engine, mediaType string) bool {
	return lo.Contains(e.SupportedLayerTypes(), mediaType)
}
