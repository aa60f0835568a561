// Command kernel boots one kernel instance from a manifest: it builds
// every subsystem (memory, scheduler, interrupts, system tree,
// message-passing, syscalls) and starts the manifest's init processes.
//
// Grounded on cmd/cc/main.go's thin-wrapper-over-internal/ shape: flag
// parsing and error formatting live here, everything else is a call
// into an internal/ package.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/kernel/internal/bootcfg"
	"github.com/tinyrange/kernel/internal/intr"
	"github.com/tinyrange/kernel/internal/klog"
	"github.com/tinyrange/kernel/internal/mem"
	"github.com/tinyrange/kernel/internal/mpi"
	ksyscall "github.com/tinyrange/kernel/internal/syscall"
	"github.com/tinyrange/kernel/internal/systree"
	"github.com/tinyrange/kernel/internal/task"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, panicBanner(err))
		os.Exit(1)
	}
}

func run() error {
	manifestPath := flag.String("manifest", "", "path to a boot manifest YAML file")
	flag.Parse()

	manifest := bootcfg.DefaultManifest()
	if *manifestPath != "" {
		m, err := bootcfg.Load(*manifestPath)
		if err != nil {
			return err
		}
		manifest = m
	}

	stages := []string{"memory", "scheduler", "interrupts", "system tree", "init processes"}
	bar := progressbar.Default(int64(len(stages)), "booting")

	k, err := boot(manifest, bar)
	if err != nil {
		return err
	}
	klog.Default.Infof("boot", "kernel up: %d cpu(s), %d init process(es)", manifest.CPUCount, len(k.procs))
	return nil
}

// kernel holds every live subsystem handle a running instance needs,
// mirroring the teacher's *initx.VirtualMachine aggregate.
type kernel struct {
	phys  *mem.PhysicalAllocator
	sched *task.Scheduler
	idt   *intr.IDT
	ipi   *intr.Manager
	root  *systree.Branch
	mpi   *mpi.Manager
	disp  *ksyscall.Dispatcher
	procs []*task.Process
}

func boot(manifest bootcfg.Manifest, bar *progressbar.ProgressBar) (*kernel, error) {
	k := &kernel{}

	phys, err := mem.NewPhysicalAllocator(manifest.PhysMemPages)
	if err != nil {
		return nil, fmt.Errorf("kernel: physical memory: %w", err)
	}
	k.phys = phys
	_ = bar.Add(1)

	registry := mem.NewPML4Registry(phys)
	k.sched = task.NewScheduler(phys, registry, manifest.CPUCount)
	_ = bar.Add(1)

	k.idt = intr.NewIDT()
	k.ipi = intr.NewManager(manifest.CPUCount, manifest.UseAPIC)
	_ = bar.Add(1)

	k.root = systree.NewBranch("", func(name string) (systree.Node, error) {
		return systree.NewFile(name), nil
	})
	k.mpi = mpi.NewManager()
	k.disp = ksyscall.NewDispatcher(k.root, k.mpi, k.phys)
	_ = bar.Add(1)

	for _, img := range manifest.InitProcesses {
		proc, err := k.startProcess(img)
		if err != nil {
			return nil, fmt.Errorf("kernel: start process %q: %w", img.Name, err)
		}
		k.procs = append(k.procs, proc)
		klog.Default.Infof("boot", "started process %q (pid %d)", img.Name, proc.ID)
	}
	_ = bar.Add(1)

	return k, nil
}

// startProcess creates a process from a manifest image and stages its
// argv/env strings into its own address space, matching the
// conventional "argv vector of pointers, then a packed string table"
// layout every libc expects.
func (k *kernel) startProcess(img bootcfg.ProcessImage) (*task.Process, error) {
	proc, err := k.sched.CreateProcess(img.Entry, img.KernelMode)
	if err != nil {
		return nil, err
	}

	argvPtr, err := k.stageStringVector(proc, img.Argv)
	if err != nil {
		return nil, fmt.Errorf("stage argv: %w", err)
	}
	envPtr, err := k.stageStringVector(proc, img.Env)
	if err != nil {
		return nil, fmt.Errorf("stage env: %w", err)
	}
	if err := k.sched.SetStartParams(proc, uint64(len(img.Argv)), uint64(argvPtr), uint64(envPtr)); err != nil {
		return nil, err
	}
	return proc, nil
}

// stageStringVector lays strs out as a pointer table (one uint64 per
// string, little-endian) followed by a NUL-terminated string table,
// returning the address of the pointer table — the layout a process's
// libc _start expects argv/envp to already be in.
func (k *kernel) stageStringVector(proc *task.Process, strs []string) (mem.VirtAddr, error) {
	if len(strs) == 0 {
		return 0, nil
	}

	stringsSize := 0
	for _, s := range strs {
		stringsSize += len(s) + 1
	}
	ptrTableSize := len(strs) * 8
	totalBytes := stringsSize + ptrTableSize
	pages := (totalBytes + mem.PageSize - 1) / mem.PageSize
	if pages == 0 {
		pages = 1
	}

	base, err := k.disp.AllocateBackingMemory(proc, pages)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, totalBytes)
	strOff := ptrTableSize
	for i, s := range strs {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(base)+uint64(strOff))
		copy(buf[strOff:], s)
		strOff += len(s) + 1
	}
	if err := k.disp.StageUserBytes(proc, base, buf); err != nil {
		return 0, err
	}
	return base, nil
}

// panicBanner formats a fatal boot error the way spec.md §7 asks
// unrecoverable kernel faults to be reported, styled with the same
// bold/reset escape sequences the teacher's terminal emulator
// recognizes (internal/term/terminal.go); ansi.Strip keeps the ASCII
// border width correct even once color codes are mixed into the line.
func panicBanner(err error) string {
	const (
		boldRed = "\x1b[1;31m"
		reset   = "\x1b[0m"
	)
	line := boldRed + "kernel panic: " + err.Error() + reset
	border := make([]byte, len(ansi.Strip(line)))
	for i := range border {
		border[i] = '-'
	}
	return string(border) + "\n" + line + "\n" + string(border)
}
