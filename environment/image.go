// Package environment implements the Environment tier of spec.md §2: image
// storage and container lifecycle. It wraps a runner.Runner with an image
// catalog and a containers table, and proxies signal/introspection RPCs to
// Core rather than letting management clients reach Core directly (spec.md
// §4.2 "RPC surface — Management<->Environment<->Core").
package environment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RunnerType enumerates how an image's bundle is executed. The OCI runner is
// the only one implemented here; native and wasm are catalog-only stubs, as
// spec.md §3.1 documents the field without specifying a second runner.
type RunnerType string

const (
	RunnerOCI    RunnerType = "oci"
	RunnerNative RunnerType = "native"
	RunnerWasm   RunnerType = "wasm"
)

// Image is a registered workflow binary (spec.md §3.1 "Image"). Owned by
// Environment, never by Core.
type Image struct {
	ImageID     string
	TenantID    string
	Name        string
	Description string
	RunnerType  RunnerType
	BundlePath  string
	CreatedAt   time.Time
}

// ErrImageNotFound is returned by GetImage/DeleteImage for an unknown id.
var ErrImageNotFound = errors.New("environment: image not found")

// ImageError wraps a storage failure in the image catalog, mirroring
// persistence.DatabaseError's {operation, details} shape.
type ImageError struct {
	Operation string
	Cause     error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("environment: image store %s: %s", e.Operation, e.Cause)
}

func (e *ImageError) Unwrap() error { return e.Cause }

// ImageStore is the Environment-owned catalog of registered images.
type ImageStore interface {
	SaveImage(ctx context.Context, image Image) error
	GetImage(ctx context.Context, imageID string) (Image, error)
	ListImages(ctx context.Context, tenantID string, limit, offset int) ([]Image, error)
	DeleteImage(ctx context.Context, imageID string) error
}
