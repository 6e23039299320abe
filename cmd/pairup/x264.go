//go:build x264

package main

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/x264"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera adapter
	"github.com/yixinin/pairup/config"
	"github.com/yixinin/pairup/stderr"
)

func init() {
	newCodecSelector = func(c config.CaptureConfig) (*mediadevices.CodecSelector, error) {
		params, err := x264.NewParams()
		if err != nil {
			return nil, stderr.Wrap(err)
		}
		params.BitRate = c.Bitrate
		return mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&params)), nil
	}
}
