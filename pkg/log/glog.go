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
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter formats lines the way github.com/golang/glog does:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
type GoogleEmitter struct {
	Emitter
}

// buffer builds a format string without going through fmt. Most lines fit in
// local, so building one does not allocate.
type buffer struct {
	local [256]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) String() string {
	return string(b.data)
}

func (b *buffer) write(c ...byte) {
	b.data = append(b.data, c...)
}

func (b *buffer) writeString(s string) {
	b.data = append(b.data, s...)
}

// writeDigits writes the low width decimal digits of v, zero padded. A width
// of zero writes v with no padding.
func (b *buffer) writeDigits(v, width int) {
	var d [20]byte
	i := len(d)
	for v > 0 || i == len(d) || len(d)-i < width {
		i--
		d[i] = '0' + byte(v%10)
		v /= 10
		if width > 0 && len(d)-i == width {
			break
		}
	}
	b.data = append(b.data, d[i:]...)
}

// writeEscaped copies s with '%' doubled, so the result is still a valid
// format.
func (b *buffer) writeEscaped(s string) {
	for _, c := range []byte(s) {
		if c == '%' {
			b.write('%')
		}
		b.write(c)
	}
}

// writeCaller writes "file:line" for the frame depth levels above the
// emitter.
func (b *buffer) writeCaller(depth int) {
	file, line, _ := caller(depth + 1)
	b.writeEscaped(file)
	b.write(':')
	b.writeDigits(line, 0)
}

// pid is the right-aligned process id field, seven wide as in glog.
var pid = func() string {
	s := strings.Repeat(" ", 7)
	var b buffer
	b.start()
	b.writeDigits(os.Getpid(), 0)
	if n := len(b.data); n < len(s) {
		return s[n:] + b.String()
	}
	return b.String()
}()

// caller returns the base file name and line of the frame depth levels
// above its caller.
func caller(depth int) (string, int, bool) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???", 0, false
	}
	return file[strings.LastIndexByte(file, '/')+1:], line, true
}

// levelLetters are the glog severity letters.
var levelLetters = [...]byte{
	Error:   'E',
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()
	if int(level) < len(levelLetters) {
		b.write(levelLetters[level])
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b.writeDigits(int(month), 2)
	b.writeDigits(day, 2)
	b.write(' ')
	b.writeDigits(hour, 2)
	b.write(':')
	b.writeDigits(minute, 2)
	b.write(':')
	b.writeDigits(second, 2)
	b.write('.')
	b.writeDigits(timestamp.Nanosecond()/1000, 6)
	b.write(' ')
	b.writeString(pid)
	b.write(' ')
	b.writeCaller(depth + 1)
	b.write(']', ' ')
	b.writeString(format)
	b.write('\n')

	g.Emitter.Emit(depth+1, level, timestamp, b.String(), args...)
}
