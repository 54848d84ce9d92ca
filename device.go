package framegraph

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// DeviceHandle provides GPU device access from the host application.
//
// The graph never creates a device of its own. Hosts that already own
// one (a windowing stack, an engine context) implement DeviceHandle and
// hand it over so presented resources can match the host surface.
//
// DeviceHandle is an alias for gpucontext.DeviceProvider, keeping the
// graph compatible with the wider gpucontext ecosystem.
type DeviceHandle = gpucontext.DeviceProvider

// NullDeviceHandle is a DeviceHandle with no device behind it. Used by
// headless runs where no surface exists.
type NullDeviceHandle struct{}

// Device returns nil for the null device.
func (NullDeviceHandle) Device() gpucontext.Device { return nil }

// Queue returns nil for the null device.
func (NullDeviceHandle) Queue() gpucontext.Queue { return nil }

// Adapter returns nil for the null device.
func (NullDeviceHandle) Adapter() gpucontext.Adapter { return nil }

// SurfaceFormat returns undefined format for the null device.
func (NullDeviceHandle) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatUndefined
}

var _ DeviceHandle = NullDeviceHandle{}

// SurfaceDescriptor returns a render-target descriptor matching the
// host surface. When the handle reports no format, BGRA8Unorm is
// assumed; most surfaces present in it.
func SurfaceDescriptor(h DeviceHandle, width, height uint32) TextureDescriptor {
	format := gputypes.TextureFormatBGRA8Unorm
	if h != nil {
		if f := h.SurfaceFormat(); f != gputypes.TextureFormatUndefined {
			format = f
		}
	}
	return TextureDescriptor{
		Type:   Texture2D,
		Format: format,
		Width:  width,
		Height: height,
		Usage:  UsageRenderTarget,
		Label:  "surface",
	}
}

// NewSurfaceTarget creates a persistent texture shaped like the host
// surface and marks it externally consumed, so passes writing it are
// never culled.
func (r *Registry) NewSurfaceTarget(h DeviceHandle, width, height uint32) (Handle, error) {
	handle, err := r.NewTexture(SurfaceDescriptor(h, width, height))
	if err != nil {
		return NilHandle, err
	}
	if err := r.MarkExternalConsumer(handle); err != nil {
		r.Dispose(handle)
		return NilHandle, err
	}
	return handle, nil
}
