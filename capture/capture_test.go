package capture_test

import (
	"testing"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yixinin/pairup/capture"
	"github.com/yixinin/pairup/config"
)

func TestOpenDisabled(t *testing.T) {
	src, err := capture.Open(config.CaptureConfig{}, nil)
	require.NoError(t, err)
	assert.Empty(t, src.Tracks())
	assert.NoError(t, src.Close())
}

func TestOpenNeedsCodec(t *testing.T) {
	_, err := capture.Open(config.CaptureConfig{Video: true}, nil)
	assert.ErrorIs(t, err, capture.ErrNoCodec)
}

func TestAPI(t *testing.T) {
	_, err := capture.API(nil)
	assert.ErrorIs(t, err, capture.ErrNoCodec)

	api, err := capture.API(mediadevices.NewCodecSelector())
	require.NoError(t, err)
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	assert.NoError(t, pc.Close())
}
