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

package kernel

import (
	"context"
	"fmt"
	"io/fs"

	"noctis.dev/noctis/pkg/bootinfo"
	"noctis.dev/noctis/pkg/bootloader"
	"noctis.dev/noctis/pkg/firmware"
	"noctis.dev/noctis/pkg/machine"
)

// BootOpts configures Load.
type BootOpts struct {
	Loader bootloader.Opts
	Kernel Config
}

// System is a machine with the kernel loaded, ready to start.
type System struct {
	Machine  *machine.Machine
	Firmware *firmware.BootServices
	Image    *bootloader.Image
	Handoff  bootinfo.Handoff
	Kernel   *Kernel
}

// Load runs the boot loader on m with volume as the boot volume, then
// attaches the kernel to the image it loaded.
func Load(m *machine.Machine, volume fs.FS, opts BootOpts) (*System, error) {
	bs, err := firmware.New(m.Memory().Size(), volume)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	img, h, err := bootloader.New(bs, m.Memory(), opts.Loader).Prepare()
	if err != nil {
		return nil, fmt.Errorf("boot loader: %w", err)
	}
	k, err := Attach(m, img.Data, opts.Kernel)
	if err != nil {
		return nil, fmt.Errorf("attaching kernel: %w", err)
	}
	return &System{
		Machine:  m,
		Firmware: bs,
		Image:    img,
		Handoff:  h,
		Kernel:   k,
	}, nil
}

// Run jumps to the kernel entry point and runs until the processor stops or
// ctx is done.
func (s *System) Run(ctx context.Context) error {
	return bootloader.Start(ctx, s.Machine, s.Image, s.Handoff)
}
