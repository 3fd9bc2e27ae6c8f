// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
)

// ImageResult is the outcome of the image stealth pipeline. Hash is computed
// over the post-strip bytes, before any watermark, so it matches block rules
// recorded from stripped content.
type ImageResult struct {
	Bytes       []byte
	MimeType    string
	Hash        string
	Changed     bool
	Watermarked bool
}

// jpegQuality matches the recompression quality used for metadata stripping.
const jpegQuality = 85

// CleanImage strips embedded metadata by decoding and re-encoding the image,
// computes the content hash over the stripped bytes, and, when watermarking
// is enabled and a tag is given, embeds an invisible watermark. Failures
// never block forwarding: an undecodable image is passed through unchanged
// with a hash of its original bytes, and a failed watermark embed falls back
// to the stripped image.
func (c *Cleaner) CleanImage(data []byte, watermarkTag string) ImageResult {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		c.log.Warn().Err(err).Int("size", len(data)).Msg("Image decode failed, forwarding unmodified")
		return ImageResult{Bytes: data, Hash: hashBytes(data)}
	}

	// Re-encoding drops EXIF, device, and location tags. Transparent images
	// are composited onto white, matching JPEG's lack of an alpha channel.
	flat := image.NewRGBA(src.Bounds())
	draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), src, src.Bounds().Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: jpegQuality}); err != nil {
		c.log.Warn().Err(err).Msg("Image re-encode failed, forwarding unmodified")
		return ImageResult{Bytes: data, Hash: hashBytes(data)}
	}
	stripped := buf.Bytes()

	result := ImageResult{
		Bytes:    stripped,
		MimeType: "image/jpeg",
		Hash:     hashBytes(stripped),
		Changed:  true,
	}

	if c.cfg.Watermark && watermarkTag != "" {
		marked, err := embedWatermark(flat, watermarkTag)
		if err != nil {
			c.log.Warn().Err(err).Msg("Watermark embed failed, forwarding without it")
			return result
		}
		result.Bytes = marked
		result.MimeType = "image/png"
		result.Watermarked = true
	}
	return result
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// embedWatermark hides the tag in the least significant bit of the blue
// channel, row-major from the top-left, with a 16-bit length prefix. The
// output is PNG so the bits survive encoding. Dimensions and visible content
// are unchanged.
func embedWatermark(src *image.RGBA, tag string) ([]byte, error) {
	payload := []byte(tag)
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("watermark tag too long: %d bytes", len(payload))
	}
	bounds := src.Bounds()
	capacity := bounds.Dx() * bounds.Dy()
	needed := 16 + len(payload)*8
	if capacity < needed {
		return nil, fmt.Errorf("image too small for watermark: need %d pixels, have %d", needed, capacity)
	}

	marked := image.NewRGBA(bounds)
	draw.Draw(marked, bounds, src, bounds.Min, draw.Src)

	bits := make([]byte, 0, needed)
	length := uint16(len(payload))
	for i := 15; i >= 0; i-- {
		bits = append(bits, byte(length>>uint(i))&1)
	}
	for _, b := range payload {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (b>>uint(i))&1)
		}
	}

	for idx, bit := range bits {
		x := bounds.Min.X + idx%bounds.Dx()
		y := bounds.Min.Y + idx/bounds.Dx()
		offset := marked.PixOffset(x, y)
		marked.Pix[offset+2] = marked.Pix[offset+2]&^1 | bit
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, marked); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractWatermark recovers a tag embedded by the watermarker, for leak
// tracing. Returns an empty string when no plausible tag is present.
func ExtractWatermark(data []byte) (string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	bounds := src.Bounds()
	capacity := bounds.Dx() * bounds.Dy()
	if capacity < 16 {
		return "", nil
	}

	readBit := func(idx int) byte {
		x := bounds.Min.X + idx%bounds.Dx()
		y := bounds.Min.Y + idx/bounds.Dx()
		_, _, b, _ := src.At(x, y).RGBA()
		return byte(b>>8) & 1
	}

	var length uint16
	for i := 0; i < 16; i++ {
		length = length<<1 | uint16(readBit(i))
	}
	if int(length) == 0 || 16+int(length)*8 > capacity {
		return "", nil
	}

	payload := make([]byte, length)
	for i := range payload {
		var b byte
		for j := 0; j < 8; j++ {
			b = b<<1 | readBit(16+i*8+j)
		}
		payload[i] = b
	}
	return string(payload), nil
}
