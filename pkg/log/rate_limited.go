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
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages above its rate. The next message that
// gets through reports how many were dropped.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// allow reports whether a message may be logged and, if so, returns the
// suffix to append to it.
func (rl *rateLimitedLogger) allow() (string, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return "", false
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		return " (" + strconv.FormatUint(n, 10) + " similar messages suppressed)", true
	}
	return "", true
}

func (rl *rateLimitedLogger) log(fn func(string, ...any), format string, v []any) {
	suffix, ok := rl.allow()
	if !ok {
		return
	}
	if strings.HasSuffix(format, "\n") {
		format = format[:len(format)-1] + suffix + "\n"
	} else {
		format += suffix
	}
	fn(format, v...)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) {
		rl.log(rl.logger.Debugf, format, v)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.logger.IsLogging(Info) {
		rl.log(rl.logger.Infof, format, v)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.log(rl.logger.Warningf, format, v)
}

// Errorf is never rate limited.
func (rl *rateLimitedLogger) Errorf(format string, v ...any) {
	rl.logger.Errorf(format, v...)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
