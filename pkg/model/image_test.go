package model

import (
	"bytes"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameJPEGEncodesToExpectedDimensions(t *testing.T) {
	f := Frame{
		Width:  4,
		Height: 2,
		PixFmt: PixFmtRGB,
		Data:   make([]byte, 4*2*3),
	}
	out, err := f.JPEG(80)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Width)
	require.Equal(t, 2, cfg.Height)
}
