package rtc

import (
	"errors"
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"
)

// ErrNoMediaDevices is returned when no camera or microphone can be opened.
var ErrNoMediaDevices = errors.New("no media devices")

// LocalTrack is a captured track that can be attached to a peer connection
// and must be closed when the call ends.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// MediaSource captures local media. RegisterCodecs is called once when the
// pion API is built; GetUserMedia once per call.
type MediaSource interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
	GetUserMedia() ([]LocalTrack, error)
}

// Media source modes, matching client.media in the config file.
const (
	MediaDevices   = "devices"
	MediaSynthetic = "synthetic"
	MediaNone      = "none"
)

// SourceFor returns the media source for a configured mode. "none" yields a
// nil source, which makes the negotiator join calls receive-only.
func SourceFor(mode string) (MediaSource, error) {
	switch mode {
	case MediaDevices:
		d, err := NewDeviceSource()
		if err != nil {
			return nil, err
		}
		return d, nil
	case MediaSynthetic:
		return &SyntheticSource{}, nil
	case MediaNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown media mode %q", mode)
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(roomID string, pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("RTC [%s]: AddTransceiver(%s) error: %v", roomID, kind, err)
		}
	}
}
