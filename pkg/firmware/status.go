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

package firmware

import "fmt"

// Status is a UEFI status code. Error codes have the high bit set.
type Status uint64

const errorBit = 1 << 63

// Status codes.
const (
	Success          Status = 0
	LoadError        Status = errorBit | 1
	InvalidParameter Status = errorBit | 2
	Unsupported      Status = errorBit | 3
	BadBufferSize    Status = errorBit | 4
	BufferTooSmall   Status = errorBit | 5
	NotReady         Status = errorBit | 6
	DeviceError      Status = errorBit | 7
	WriteProtected   Status = errorBit | 8
	OutOfResources   Status = errorBit | 9
	VolumeCorrupted  Status = errorBit | 10
	VolumeFull       Status = errorBit | 11
	NoMedia          Status = errorBit | 12
	MediaChanged     Status = errorBit | 13
	NotFound         Status = errorBit | 14
	AccessDenied     Status = errorBit | 15
)

var statusNames = map[Status]string{
	Success:          "SUCCESS",
	LoadError:        "LOAD_ERROR",
	InvalidParameter: "INVALID_PARAMETER",
	Unsupported:      "UNSUPPORTED",
	BadBufferSize:    "BAD_BUFFER_SIZE",
	BufferTooSmall:   "BUFFER_TOO_SMALL",
	NotReady:         "NOT_READY",
	DeviceError:      "DEVICE_ERROR",
	WriteProtected:   "WRITE_PROTECTED",
	OutOfResources:   "OUT_OF_RESOURCES",
	VolumeCorrupted:  "VOLUME_CORRUPTED",
	VolumeFull:       "VOLUME_FULL",
	NoMedia:          "NO_MEDIA",
	MediaChanged:     "MEDIA_CHANGED",
	NotFound:         "NOT_FOUND",
	AccessDenied:     "ACCESS_DENIED",
}

// IsError returns true if s is an error code.
func (s Status) IsError() bool {
	return s&errorBit != 0
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	if s.IsError() {
		return fmt.Sprintf("ERROR(%d)", uint64(s&^errorBit))
	}
	return fmt.Sprintf("WARNING(%d)", uint64(s))
}

// Error implements error.
func (s Status) Error() string {
	return "firmware: " + s.String()
}

// StatusToError converts a status to an error. Success is nil; every other
// code, warnings included, is an error.
func StatusToError(s Status) error {
	if s == Success {
		return nil
	}
	return s
}
