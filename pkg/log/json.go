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
	"encoding/json"
	"fmt"
	"time"
)

// jsonRecord is one line of JSONEmitter output.
type jsonRecord struct {
	Time  time.Time `json:"time"`
	Level Level     `json:"level"`
	File  string    `json:"file,omitempty"`
	Line  int       `json:"line,omitempty"`
	Msg   string    `json:"msg"`
}

var levelNames = map[Level]string{
	Error:   "error",
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(name)
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts the
// level names and their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		if _, ok := levelNames[Level(n)]; !ok {
			return fmt.Errorf("unknown level %d", n)
		}
		*l = Level(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("level %s is neither a name nor a number", b)
	}
	for lv, name := range levelNames {
		if name == s {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", s)
}

// JSONEmitter logs messages as one JSON object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := jsonRecord{
		Time:  timestamp,
		Level: level,
		Msg:   fmt.Sprintf(format, v...),
	}
	if file, line, ok := caller(depth + 1); ok {
		r.File, r.Line = file, line
	}
	b, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	e.Writer.Emit(depth+1, level, timestamp, "%s\n", b)
}
