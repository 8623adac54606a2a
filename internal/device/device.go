// Package device defines the boundary to the instrument that owns real state.
// The gateway only forwards reads and writes to it by resource name.
package device

import (
	"context"
	"errors"
)

var (
	ErrUnknownResource = errors.New("device: unknown resource")
	ErrReadOnly        = errors.New("device: resource is read-only")
	ErrInvalidValue    = errors.New("device: invalid value")
)

// Device reads and writes named resources. Names are opaque to the gateway
// and may contain slashes. Values are plain JSON-compatible Go values, 2-D
// numeric slices, or *codec.Array.
type Device interface {
	Get(ctx context.Context, name string) (any, error)
	Set(ctx context.Context, name string, value any) (any, error)
}
