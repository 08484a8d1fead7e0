//go:build !linux || !cgo

package rtc

import "github.com/pion/webrtc/v4"

// DeviceSource has no capture backend on this platform. Calls still
// negotiate, receive-only.
type DeviceSource struct{}

// NewDeviceSource always succeeds; GetUserMedia reports no devices.
func NewDeviceSource() (*DeviceSource, error) { return &DeviceSource{}, nil }

func (d *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *DeviceSource) GetUserMedia() ([]LocalTrack, error) {
	return nil, ErrNoMediaDevices
}
