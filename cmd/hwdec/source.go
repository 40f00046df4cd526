// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/codec/vp8"
	"github.com/TurbineOne/hwdec/pkg/ivf"
	"github.com/TurbineOne/hwdec/pkg/mimer"
)

type inputConfig struct { //nolint:govet // Don't care about alignment.
	Path        string `yaml:"path" json:"path" env:"INPUT_PATH" doc:"IVF or JPEG file to decode; empty decodes a synthetic VP8 stream"`
	Frames      int    `yaml:"frames" json:"frames" env:"INPUT_FRAMES" doc:"Length of the synthetic stream"`
	Width       int    `yaml:"width" json:"width" env:"INPUT_WIDTH" doc:"Width of the synthetic stream"`
	Height      int    `yaml:"height" json:"height" env:"INPUT_HEIGHT" doc:"Height of the synthetic stream"`
	KeyInterval int    `yaml:"keyInterval" json:"keyInterval" env:"INPUT_KEY_INTERVAL" doc:"Key frame every N synthetic frames"`
}

func inputConfigDefault() inputConfig {
	return inputConfig{
		Frames:      30,
		Width:       320,
		Height:      240,
		KeyInterval: 10,
	}
}

// source yields packets until io.EOF.
type source interface {
	Next() (codec.Packet, error)
}

type ivfSource struct {
	r *ivf.Reader
}

func (s *ivfSource) Next() (codec.Packet, error) {
	f, err := s.r.Next()
	if err != nil {
		return codec.Packet{}, err
	}

	return codec.Packet{Data: f.Data, PTS: f.PTS}, nil
}

// imageSource yields one still image.
type imageSource struct {
	data []byte
	done bool
}

func (s *imageSource) Next() (codec.Packet, error) {
	if s.done {
		return codec.Packet{}, io.EOF
	}

	s.done = true

	return codec.Packet{Data: s.data}, nil
}

// openSource picks the coding for the configured input and returns a packet
// source for it.
func openSource(c inputConfig) (source, codec.CodingType, error) {
	if c.Path == "" {
		s, err := synthesize(c)

		return s, codec.CodingVP8, err
	}

	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, codec.CodingUnknown, fmt.Errorf("input: %w", err)
	}

	mediaType, coding, err := mimer.DetectCoding(data[:min(len(data), 512)])
	if err != nil {
		return nil, coding, fmt.Errorf("input [%s]: %w", c.Path, err)
	}

	log.Info().Str("path", c.Path).Str("mediaType", mediaType).Str("coding", coding.String()).Msg("input detected")

	switch mediaType {
	case mimer.MediaTypeIVF:
		r, err := ivf.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, coding, err
		}

		return &ivfSource{r: r}, coding, nil
	case mimer.MediaTypeJPEG:
		return &imageSource{data: data}, coding, nil
	default:
		return nil, coding, fmt.Errorf("input [%s]: no reader for %s: %w", c.Path, mediaType, mimer.ErrUnknownStream)
	}
}

// synthesize writes an IVF VP8 stream of bare frame headers into memory and
// returns a reader over it.
func synthesize(c inputConfig) (source, error) {
	if c.Frames <= 0 || c.KeyInterval <= 0 {
		return nil, errors.New("synthetic stream needs frames and keyInterval")
	}

	var buf bytes.Buffer

	w, err := ivf.NewWriter(&buf, ivf.Header{
		FourCC:     "VP80",
		Width:      uint16(c.Width),  //nolint:gosec // Bounded by VP8's 14 bits.
		Height:     uint16(c.Height), //nolint:gosec // Bounded by VP8's 14 bits.
		Rate:       30,
		Scale:      1,
		FrameCount: uint32(c.Frames), //nolint:gosec // Positive.
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < c.Frames; i++ {
		h := vp8.Header{Show: true, FirstPartSize: 16}
		if i%c.KeyInterval == 0 {
			h.Keyframe = true
			h.Width = c.Width
			h.Height = c.Height
		}

		if err := w.WriteFrame(ivf.Frame{PTS: int64(i), Data: vp8.AppendHeader(nil, h)}); err != nil {
			return nil, err
		}
	}

	r, err := ivf.NewReader(&buf)
	if err != nil {
		return nil, err
	}

	return &ivfSource{r: r}, nil
}
