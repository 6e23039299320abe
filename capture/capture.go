package capture

import (
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/yixinin/pairup/config"
	"github.com/yixinin/pairup/stderr"
)

var ErrNoCodec = errors.New("capture: no codec selector")

// Source is a local media stream turned into tracks for a peer connection.
type Source struct {
	tracks []mediadevices.Track
}

// Open starts the local camera described by c. Encoders come from selector;
// a disabled capture yields an empty source.
func Open(c config.CaptureConfig, selector *mediadevices.CodecSelector) (*Source, error) {
	if !c.Video {
		return &Source{}, nil
	}
	if selector == nil {
		return nil, ErrNoCodec
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mtc *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				mtc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mtc.Height = prop.Int(c.Height)
			}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, stderr.Wrap(err)
	}
	s := &Source{tracks: stream.GetTracks()}
	for _, track := range s.tracks {
		logrus.WithField("component", "capture").Infof("local %s track %s", track.Kind(), track.ID())
	}
	return s, nil
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, track := range s.tracks {
		tracks = append(tracks, track)
	}
	return tracks
}

func (s *Source) Close() error {
	var errs []error
	for _, track := range s.tracks {
		if err := track.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.tracks = nil
	return errors.Join(errs...)
}

// API builds a webrtc API that negotiates the codecs of selector.
func API(selector *mediadevices.CodecSelector) (*webrtc.API, error) {
	if selector == nil {
		return nil, ErrNoCodec
	}
	var me webrtc.MediaEngine
	selector.Populate(&me)
	return webrtc.NewAPI(webrtc.WithMediaEngine(&me)), nil
}
