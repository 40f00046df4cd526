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

package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/slots"
)

// DebugConfig replaces per module debug globals: each switch turns on trace
// logging for one structure.
type DebugConfig struct {
	TraceSlots bool `yaml:"traceSlots" json:"traceSlots" env:"TRACE_SLOTS" doc:"Log every slot transition at trace level"`
	TraceTasks bool `yaml:"traceTasks" json:"traceTasks" env:"TRACE_TASKS" doc:"Log every task transition at trace level"`
}

// Config configures a Pipeline.
type Config struct { //nolint:govet // Don't care about alignment.
	SlotCapacity     int           `yaml:"slotCapacity" json:"slotCapacity" env:"SLOT_CAPACITY" doc:"Frame slots allocated for the session"`
	SlotCount        int           `yaml:"slotCount" json:"slotCount" env:"SLOT_COUNT" doc:"Frame slots the parser may use; 0 lets the codec choose"`
	TaskCount        int           `yaml:"taskCount" json:"taskCount" env:"TASK_COUNT" doc:"Pictures in flight between parser and HAL"`
	StreamBufferSize int           `yaml:"streamBufferSize" json:"streamBufferSize" env:"STREAM_BUFFER_SIZE" doc:"Size of each compressed input buffer in bytes"`
	ScratchBlockSize int           `yaml:"scratchBlockSize" json:"scratchBlockSize" env:"SCRATCH_BLOCK_SIZE" doc:"Size of each HAL scratch block in bytes"`
	ScratchBlocks    int           `yaml:"scratchBlocks" json:"scratchBlocks" env:"SCRATCH_BLOCKS" doc:"Number of HAL scratch blocks; 0 disables scratch"`
	DeviceTimeout    time.Duration `yaml:"deviceTimeout" json:"deviceTimeout" env:"DEVICE_TIMEOUT" doc:"Longest wait for one hardware job before the picture is marked erroneous"`
	PacketQueueDepth int           `yaml:"packetQueueDepth" json:"packetQueueDepth" env:"PACKET_QUEUE_DEPTH" doc:"Packets Put may queue ahead of the parser"`
	FrameQueueDepth  int           `yaml:"frameQueueDepth" json:"frameQueueDepth" env:"FRAME_QUEUE_DEPTH" doc:"Decoded frames buffered for the consumer"`
	MaxFrameSize     int           `yaml:"maxFrameSize" json:"maxFrameSize" env:"MAX_FRAME_SIZE" doc:"Largest frame buffer a stream may ask for, in bytes. 0 disables the limit"`
	LogLevel         string        `yaml:"logLevel" json:"logLevel" env:"LOG_LEVEL" doc:"Log level for the pipeline. One of: trace, debug, info, warn, error"`
	Debug            DebugConfig   `yaml:"debug" json:"debug"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		SlotCapacity:     16,
		SlotCount:        8,
		TaskCount:        2,
		StreamBufferSize: 1 << 20,
		ScratchBlockSize: 64 << 10,
		ScratchBlocks:    4,
		DeviceTimeout:    200 * time.Millisecond,
		PacketQueueDepth: 8,
		FrameQueueDepth:  4,
		MaxFrameSize:     codec.FrameSize(4096, 4096),
		LogLevel:         zerolog.InfoLevel.String(),
	}
}

// Validate reports the first bad setting.
func (c *Config) Validate() error {
	var errs []error

	if c.SlotCapacity <= 0 || c.SlotCapacity > slots.MaxCapacity {
		errs = append(errs, fmt.Errorf("slotCapacity %d not in [1,%d]", c.SlotCapacity, slots.MaxCapacity))
	}

	if c.SlotCount < 0 || c.SlotCount > c.SlotCapacity {
		errs = append(errs, fmt.Errorf("slotCount %d not in [0,slotCapacity]", c.SlotCount))
	}

	if c.TaskCount <= 0 {
		errs = append(errs, fmt.Errorf("taskCount %d must be positive", c.TaskCount))
	}

	if c.StreamBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("streamBufferSize %d must be positive", c.StreamBufferSize))
	}

	if c.ScratchBlocks < 0 || (c.ScratchBlocks > 0 && c.ScratchBlockSize <= 0) {
		errs = append(errs, fmt.Errorf("scratch %d blocks of %d bytes", c.ScratchBlocks, c.ScratchBlockSize))
	}

	if c.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("maxFrameSize %d must not be negative", c.MaxFrameSize))
	}

	if c.PacketQueueDepth < 0 || c.FrameQueueDepth < 0 {
		errs = append(errs, errors.New("queue depths must not be negative"))
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}

	return errors.Join(errs...)
}
