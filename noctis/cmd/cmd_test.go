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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"noctis.dev/noctis/noctis/config"
	"noctis.dev/noctis/pkg/bootinfo"
	"noctis.dev/noctis/pkg/firmware"
	"noctis.dev/noctis/pkg/hostarch"
	"noctis.dev/noctis/pkg/kernel"
	"noctis.dev/noctis/pkg/log"
	"noctis.dev/noctis/pkg/ring0/pagetables"
)

// newTestConfig returns a configuration with a boot volume holding the
// kernel image.
func newTestConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	old := log.Log()
	t.Cleanup(func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(old.Level)
	})

	dir := t.TempDir()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	args = append([]string{"--volume=" + dir, "--memory-size=67108864", "--timer-period=1ms"}, args...)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	mk := &Mkimage{}
	if st := mk.Execute(context.Background(), flag.NewFlagSet("mkimage", flag.ContinueOnError), conf); st != subcommands.ExitSuccess {
		t.Fatalf("mkimage = %v", st)
	}
	return conf
}

func TestMkimage(t *testing.T) {
	conf := newTestConfig(t)
	data, err := os.ReadFile(filepath.Join(conf.Volume, conf.KernelFile))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if _, err := kernel.ParseLayout(data); err != nil {
		t.Errorf("written image is malformed: %v", err)
	}
}

func TestPagetables(t *testing.T) {
	conf := newTestConfig(t)
	s, err := bootForInspection(context.Background(), conf)
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer s.Machine.Close()

	rs := mappingRanges(s.Kernel.PageTables())
	var linear *mappingRange
	for i := range rs {
		if rs[i].virt == hostarch.LinearMapBase {
			linear = &rs[i]
		}
	}
	if linear == nil {
		t.Fatalf("no range at the linear map base in %+v", rs)
	}
	if linear.size != hostarch.LinearMapSize || linear.pages != hostarch.LinearMapSize/hostarch.HugePageSize || linear.attr != pagetables.ReadWriteKernel1GiB {
		t.Errorf("linear map range = %+v", *linear)
	}
	for i := 1; i < len(rs); i++ {
		if rs[i].virt < rs[i-1].virt.Add(rs[i-1].size) {
			t.Errorf("ranges %+v and %+v overlap or are out of order", rs[i-1], rs[i])
		}
	}

	var out bytes.Buffer
	printMappings(&out, s.Kernel.PageTables())
	if !strings.Contains(out.String(), "PML4 at") || !strings.Contains(out.String(), hostarch.LinearMapBase.String()) {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestDescriptors(t *testing.T) {
	conf := newTestConfig(t)
	s, err := bootForInspection(context.Background(), conf)
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer s.Machine.Close()

	var brief, all bytes.Buffer
	printDescriptors(&brief, s.Kernel.CPU(), false)
	printDescriptors(&all, s.Kernel.CPU(), true)
	for _, want := range []string{"GDT at", "TSS at", "IDT at", "rsp0", "ist1"} {
		if !strings.Contains(brief.String(), want) {
			t.Errorf("output has no %q:\n%s", want, brief.String())
		}
	}
	if strings.Count(all.String(), "\n") <= strings.Count(brief.String(), "\n") {
		t.Errorf("-all printed no more than the default:\n%s", all.String())
	}
}

func TestMemmap(t *testing.T) {
	conf := newTestConfig(t)
	bs, err := firmware.New(hostarch.MSize(conf.MemorySize), nil)
	if err != nil {
		t.Fatalf("firmware.New: %v", err)
	}
	descs, err := memoryMap(bs)
	if err != nil {
		t.Fatalf("memoryMap: %v", err)
	}
	var out bytes.Buffer
	printMemoryMap(&out, descs)
	if got := strings.Count(out.String(), "Conventional"); got != 2 {
		t.Errorf("%d conventional ranges, want 2:\n%s", got, out.String())
	}

	s, err := newSystem(conf, nil)
	if err != nil {
		t.Fatalf("newSystem: %v", err)
	}
	defer s.Machine.Close()
	regions, err := readRegions(s)
	if err != nil {
		t.Fatalf("readRegions: %v", err)
	}
	if regions.Count == 0 || regions.Total(bootinfo.Usable) == 0 {
		t.Errorf("empty region table: %+v", regions.All())
	}
	out.Reset()
	printRegions(&out, regions)
	if !strings.Contains(out.String(), "usable") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	printHandoffRegions(&out, s.Handoff, bootinfo.NewIndex(regions))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out.String())
	}
	for i, name := range []string{"heap", "region table"} {
		if !strings.HasPrefix(lines[i], name+" at ") || !strings.HasSuffix(lines[i], ") Reserved") {
			t.Errorf("line %q: want %s in a reserved region", lines[i], name)
		}
	}
}

func TestNewSystemLogsFlags(t *testing.T) {
	conf := newTestConfig(t, "--quantum=7")
	var out bytes.Buffer
	log.SetTarget(&log.Writer{Next: &out})
	log.SetLevel(log.Info)
	s, err := newSystem(conf, nil)
	if err != nil {
		t.Fatalf("newSystem: %v", err)
	}
	defer s.Machine.Close()
	for _, want := range []string{"Effective flags: ", "--quantum=7", "--timer-period=1ms", "--volume=" + conf.Volume} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("log missing %q:\n%s", want, out.String())
		}
	}
}

func TestBootMissingKernel(t *testing.T) {
	conf := newTestConfig(t, "--kernel-file=missing.elf")
	if err := os.Remove(filepath.Join(conf.Volume, conf.KernelFile)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := newSystem(conf, nil); err == nil {
		t.Errorf("newSystem succeeded without a kernel on the volume")
	}
}
