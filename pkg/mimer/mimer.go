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

// mimer is a helper package to determine the media type of a compressed
// stream and the coding it should be decoded with.
package mimer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aofei/mimesniffer"

	"github.com/TurbineOne/hwdec/pkg/codec"
)

const (
	MediaTypeIVF   = "video/x-ivf"
	MediaTypeH264  = "video/h264"
	MediaTypeH265  = "video/h265"
	MediaTypeMPEG4 = "video/mp4v-es"
	MediaTypeJPEG  = "image/jpeg"

	UnknownMediaType = "application/octet-stream"
)

// fingerprintSize is how much of a stream is sniffed.
const fingerprintSize = 512

var ErrUnknownStream = errors.New("unrecognized stream")

// nalStart returns the offset just past a leading Annex B start code, which
// may be three or four bytes, or -1.
func nalStart(buffer []byte) int {
	switch {
	case bytes.HasPrefix(buffer, []byte{0, 0, 0, 1}):
		return 4
	case bytes.HasPrefix(buffer, []byte{0, 0, 1}):
		return 3
	default:
		return -1
	}
}

// isIVFSignature returns true for the IVF file header "DKIF" with its
// fixed 32 byte header length.
func isIVFSignature(buffer []byte) bool {
	return len(buffer) >= 32 && string(buffer[:4]) == "DKIF" && buffer[6] == 32 && buffer[7] == 0
}

// isH264Signature returns true if the stream opens with an Annex B start
// code and an H.264 SPS, PPS, AUD or IDR slice: forbidden bit clear, type
// in 1..23 with nal_ref_idc consistent with the type.
func isH264Signature(buffer []byte) bool {
	i := nalStart(buffer)
	if i < 0 || len(buffer) <= i {
		return false
	}

	b := buffer[i]
	if b&0x80 != 0 {
		return false
	}

	switch b & 0x1f {
	case 7, 8, 5: // SPS, PPS, IDR carry nal_ref_idc != 0.
		return b&0x60 != 0
	case 9: // Access unit delimiter.
		return b&0x60 == 0
	default:
		return false
	}
}

// isH265Signature returns true if the stream opens with an Annex B start
// code and an H.265 VPS, SPS, PPS or AUD: the two byte NAL header with
// forbidden bit clear, layer 0 and temporal id plus one of 1.
func isH265Signature(buffer []byte) bool {
	i := nalStart(buffer)
	if i < 0 || len(buffer) <= i+1 {
		return false
	}

	if buffer[i]&0x81 != 0 || buffer[i+1] != 0x01 {
		return false
	}

	switch buffer[i] >> 1 {
	case 32, 33, 34, 35: // VPS, SPS, PPS, AUD.
		return true
	default:
		return false
	}
}

// isMPEG4Signature returns true for an MPEG-4 Part 2 visual elementary
// stream: a visual object sequence, visual object or video object layer
// start code.
func isMPEG4Signature(buffer []byte) bool {
	if len(buffer) < 4 || !bytes.HasPrefix(buffer, []byte{0, 0, 1}) {
		return false
	}

	code := buffer[3]

	return code == 0xb0 || code == 0xb5 || code <= 0x2f
}

// init initializes the mimer package.
func init() {
	mimesniffer.Register(MediaTypeIVF, isIVFSignature)
	mimesniffer.Register(MediaTypeH264, isH264Signature)
	mimesniffer.Register(MediaTypeH265, isH265Signature)
	mimesniffer.Register(MediaTypeMPEG4, isMPEG4Signature)
}

// Sniff returns the media type of the stream starting with buffer.
func Sniff(buffer []byte) string {
	// The start code sniffers overlap: 00 00 01 09 is both an H.264 AUD
	// and an MPEG-4 video object. Resolve in the same order every time.
	for _, s := range []struct {
		mediaType string
		match     func([]byte) bool
	}{
		{MediaTypeIVF, isIVFSignature},
		{MediaTypeH265, isH265Signature},
		{MediaTypeH264, isH264Signature},
		{MediaTypeMPEG4, isMPEG4Signature},
	} {
		if s.match(buffer) {
			return s.mediaType
		}
	}

	return mimesniffer.Sniff(buffer)
}

// GetContentTypeFromReader returns the content type of the stream read from
// reader, and the bytes consumed to find it.
func GetContentTypeFromReader(reader io.Reader) (string, []byte, error) {
	// Only the first 512 bytes are used to sniff the content type.
	buffer := make([]byte, fingerprintSize)

	n, err := io.ReadFull(reader, buffer)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return UnknownMediaType, nil, fmt.Errorf("mime check failed read: %w", err)
	}

	buffer = buffer[:n]

	return Sniff(buffer), buffer, nil
}

// GetContentType returns the content type of the file at sourcePath.
func GetContentType(sourcePath string) string {
	f, err := os.Open(sourcePath)
	if err != nil {
		return UnknownMediaType
	}

	defer func() {
		_ = f.Close()
	}()

	mediaType, _, _ := GetContentTypeFromReader(f)

	return mediaType
}

// CodingFromMediaType maps a sniffed media type to a coding. IVF is a
// container; its coding comes from the header FourCC, see CodingFromIVF.
func CodingFromMediaType(mediaType string) codec.CodingType {
	switch mediaType {
	case MediaTypeH264:
		return codec.CodingH264
	case MediaTypeH265:
		return codec.CodingH265
	case MediaTypeMPEG4:
		return codec.CodingMPEG4
	case MediaTypeJPEG:
		return codec.CodingJPEG
	default:
		return codec.CodingUnknown
	}
}

// CodingFromIVF maps an IVF FourCC to a coding.
func CodingFromIVF(fourCC string) codec.CodingType {
	switch fourCC {
	case "VP80":
		return codec.CodingVP8
	case "H264", "AVC1":
		return codec.CodingH264
	case "H265", "HEVC":
		return codec.CodingH265
	case "MP4V":
		return codec.CodingMPEG4
	default:
		return codec.CodingUnknown
	}
}

// DetectCoding sniffs the stream start in buffer and returns its media type
// and coding.
func DetectCoding(buffer []byte) (string, codec.CodingType, error) {
	mediaType := Sniff(buffer)

	c := CodingFromMediaType(mediaType)
	if mediaType == MediaTypeIVF {
		c = CodingFromIVF(string(buffer[8:12]))
	}

	if c == codec.CodingUnknown {
		return mediaType, c, fmt.Errorf("media type %s: %w", mediaType, ErrUnknownStream)
	}

	return mediaType, c, nil
}
