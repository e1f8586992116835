// Package classifier infers the purpose of an inbound media flow.
//
// Inbound flows carry no explicit protocol tag saying whether they are a
// camera, a screen share, or audio. Classify applies an ordered list of
// rules, from the most reliable evidence to the least:
//
//  1. Audio kind is definitive.
//  2. Capture-surface metadata (monitor, window, browser) means screen.
//  3. A label mentioning screen, desktop, window or display means screen.
//  4. A second, distinct video flow from a peer that already has a camera
//     flow is assumed to be a screen share.
//  5. Anything else is camera.
//
// Rule 4 misclassifies a peer that sends two genuine camera flows without
// any metadata or label hints. That limitation is accepted.
package classifier

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// Kind is the purpose of a media flow, and doubles as the slot a flow
// occupies on a peer session.
type Kind int

const (
	Camera Kind = iota
	Screen
	Audio
)

// All slots, in a stable order.
var Kinds = []Kind{Camera, Screen, Audio}

func (k Kind) String() string {
	switch k {
	case Camera:
		return "camera"
	case Screen:
		return "screen"
	case Audio:
		return "audio"
	default:
		return "unknown"
	}
}

// CodecType returns the transport media kind carried by this slot.
func (k Kind) CodecType() webrtc.RTPCodecType {
	if k == Audio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// Flow is the subset of an inbound flow the rules look at.
type Flow struct {
	// Identity of the flow, unique per peer session
	ID string

	Kind webrtc.RTPCodecType

	// Free-form name of the flow, e.g. a track label or stream id
	Label string

	// Capture-surface metadata reported by the transport, if any:
	// "monitor", "window", "browser". Empty when unknown.
	CaptureSurface string
}

var screenCaptureSurfaces = map[string]struct{}{
	"monitor": {},
	"window":  {},
	"browser": {},
}

var screenLabelHints = []string{"screen", "desktop", "window", "display"}

// Classify returns the purpose of flow. recordedCameraID is the identity
// of the camera flow already recorded for the same peer, or empty if the
// peer has none.
func Classify(flow Flow, recordedCameraID string) Kind {
	if flow.Kind == webrtc.RTPCodecTypeAudio {
		return Audio
	}

	if _, ok := screenCaptureSurfaces[strings.ToLower(flow.CaptureSurface)]; ok {
		return Screen
	}

	label := strings.ToLower(flow.Label)
	for _, hint := range screenLabelHints {
		if strings.Contains(label, hint) {
			return Screen
		}
	}

	if recordedCameraID != "" && recordedCameraID != flow.ID {
		return Screen
	}

	return Camera
}
