// Copyright 2025 The Noctis Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"time"
)

// KernelEmitter emits logs in the kernel console format:
//
//	[INFO ] file.go:123: msg...
//
// Console lines carry no timestamp; the console has no clock.
type KernelEmitter struct {
	// Emitter is the underlying emitter, normally a Writer over the serial
	// port.
	Emitter
}

// Tag returns the fixed-width console tag for level.
func (l Level) Tag() string {
	switch l {
	case Error:
		return "[ERROR]"
	case Warning:
		return "[WARN ]"
	case Info:
		return "[INFO ]"
	default:
		return "[DEBUG]"
	}
}

// Emit implements Emitter.Emit.
func (k KernelEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()
	b.writeString(level.Tag())
	b.write(' ')
	b.writeCaller(depth + 1)
	b.write(':', ' ')
	b.writeString(format)
	b.write('\n')
	k.Emitter.Emit(depth+1, level, timestamp, b.String(), args...)
}
