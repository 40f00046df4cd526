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

// Package builtin registers the reference codecs.
package builtin

import (
	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/codec/jpeg"
	"github.com/TurbineOne/hwdec/pkg/codec/vp8"
)

// Registry returns a registry holding every reference codec.
func Registry() *codec.Registry {
	r := codec.NewRegistry()

	// Codings are distinct, so registration cannot fail.
	_ = r.Register(codec.CodingVP8, vp8.NewParser, vp8.NewHAL)
	_ = r.Register(codec.CodingJPEG, jpeg.NewParser, jpeg.NewHAL)

	return r
}
