package render

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ErrEmptyFrame is returned for frame messages without a payload
var ErrEmptyFrame = errors.New("empty frame payload")

// DecodeFrame turns a base64 (optionally data-URL prefixed) encoded image
// into a bitmap. The format is sniffed from the bytes.
func DecodeFrame(payload string) (image.Image, string, error) {
	if i := strings.Index(payload, ";base64,"); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+len(";base64,"):]
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, "", ErrEmptyFrame
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some encoders drop the padding
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64 frame: %w", err)
		}
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, format, nil
}
