// Package rtc negotiates the peer connection of a consultation room over the
// signaling connection and exposes the mute controls of the local tracks.
package rtc

import (
	"io"
	"log"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// APIConfig holds the process-wide pion settings.
type APIConfig struct {
	LogLevel  string    // disabled|error|warn|info|debug|trace
	LogWriter io.Writer // defaults to the standard logger's output

	// Gather loopback candidates too. Needed when two agents share a host
	// that has no other interface.
	IncludeLoopback bool
}

// NewLoggerFactory routes pion's internal loggers into the process log at
// the given level. Unknown levels fall back to warn.
func NewLoggerFactory(level string, w io.Writer) logging.LoggerFactory {
	if w == nil {
		w = log.Writer()
	}
	f := logging.NewDefaultLoggerFactory()
	f.Writer = w
	f.DefaultLogLevel = parseLevel(level)
	return f
}

func parseLevel(s string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelWarn
	}
}

// NewAPI builds the pion API for one media source. The source decides the
// codecs; a nil source registers pion's defaults for receive-only calls.
func NewAPI(cfg APIConfig, src MediaSource) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if src != nil {
		if err := src.RegisterCodecs(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A short relay or NAT hiccup should not end the consultation.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	se.LoggerFactory = NewLoggerFactory(cfg.LogLevel, cfg.LogWriter)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// ICEServers turns stun:/turn: urls into a pion configuration, one server
// per url.
func ICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}
