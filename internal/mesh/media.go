package mesh

import "github.com/pion/webrtc/v4"

// MediaSource supplies the local outbound tracks attached to every peer link.
// Either track may be nil; a coordinator with a nil MediaSource joins
// receive-only.
type MediaSource interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
}

// StaticSource is a MediaSource over fixed tracks.
type StaticSource struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

func (s StaticSource) AudioTrack() webrtc.TrackLocal { return s.Audio }
func (s StaticSource) VideoTrack() webrtc.TrackLocal { return s.Video }
