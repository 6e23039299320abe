package main

import (
	"github.com/pion/mediadevices"
	"github.com/yixinin/pairup/config"
)

// newCodecSelector is set by builds that link an encoder, see x264.go.
var newCodecSelector func(config.CaptureConfig) (*mediadevices.CodecSelector, error)
