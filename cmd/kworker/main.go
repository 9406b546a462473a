//go:build windows

// Command kworker is the long-lived compiler-reuse sandbox worker: it reads
// one pipe handle from the driver, decodes JOB messages, and runs each job
// through internal/sandbox's per-job lifecycle, replying with the exit code.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Microsoft/go-winio"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sys/windows"

	"github.com/kworker/kworker/internal/fscache"
	klog "github.com/kworker/kworker/internal/log"
	"github.com/kworker/kworker/internal/modreg"
	"github.com/kworker/kworker/internal/protocol"
	"github.com/kworker/kworker/internal/queue"
	"github.com/kworker/kworker/internal/sandbox"
	"github.com/kworker/kworker/internal/toolreg"
	"github.com/kworker/kworker/internal/winapi"
)

const (
	pipeFlag     = "pipe"
	volatileFlag = "volatile"
	priorityFlag = "priority"
	groupFlag    = "group"
	verboseFlag  = "verbose"
	testFlag     = "test"
	fullTestFlag = "full-test"

	usage = `kworker is a long-lived sandbox worker that loads and reuses a compiler tool across jobs submitted by a driver over a pipe.`
)

// Exit codes per spec.md §6.
const (
	exitNormal       = 0
	exitIOError      = 1
	exitArgError     = 2
	exitSetupFailure = 3
	exitCancelled    = 9
	exitCancelledAlt = 10
)

func main() {
	logrus.AddHook(klog.NewHook())
	logrus.SetOutput(os.Stderr)

	app := cli.NewApp()
	app.Name = "kworker"
	app.Usage = usage
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     pipeFlag,
			Usage:    "hex handle value of the driver pipe inherited by this process",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  volatileFlag,
			Usage: "a volatile-tree root (e.g. TEMP) to invalidate before each job; repeatable",
		},
		&cli.IntFlag{
			Name:  priorityFlag,
			Usage: "process priority class, 1 (idle) through 5 (high)",
			Value: 3,
		},
		&cli.IntFlag{
			Name:  groupFlag,
			Usage: "processor group to run on",
		},
		&cli.BoolFlag{
			Name:    verboseFlag,
			Aliases: []string{"v"},
			Usage:   "enable debug-level logging",
		},
		&cli.BoolFlag{
			Name:  testFlag,
			Usage: "run a single self-check job on C:\\kworker\\selftest.exe and exit",
		},
		&cli.BoolFlag{
			Name:  fullTestFlag,
			Usage: "run the self-check job twice to exercise the reset path and exit",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code, ok := err.(cli.ExitCoder); ok {
			os.Exit(code.ExitCode())
		}
		os.Exit(exitArgError)
	}
}

func run(c *cli.Context) error {
	if c.Bool(verboseFlag) {
		logrus.SetLevel(logrus.DebugLevel)
	}

	pipeHex := c.String(pipeFlag)
	volatileRoots := c.StringSlice(volatileFlag)
	priority := c.Int(priorityFlag)
	group := c.Int(groupFlag)

	if priority < 1 || priority > 5 {
		return cli.Exit("priority must be between 1 and 5", exitArgError)
	}

	if err := applyProcessTuning(priority, group); err != nil {
		logrus.WithError(err).Warn("could not apply process tuning, continuing at default settings")
	}

	s, adapter, err := buildSandbox()
	if err != nil {
		return cli.Exit(fmt.Sprintf("setup failure: %v", err), exitSetupFailure)
	}

	if c.Bool(testFlag) || c.Bool(fullTestFlag) {
		return runSelfCheck(s, c.Bool(fullTestFlag))
	}

	handle, err := parseHandle(pipeHex)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid --pipe value: %v", err), exitArgError)
	}
	pipe, err := openPipeWithRetry(handle)
	if err != nil {
		return cli.Exit(fmt.Sprintf("could not open driver pipe: %v", err), exitSetupFailure)
	}
	defer pipe.Close()

	return serve(context.Background(), s, adapter, pipe, volatileRoots)
}

// buildSandbox wires a production Sandbox: a direct-filesystem fscache
// source (the real volatile-tree cache service is an out-of-scope
// collaborator per spec.md §1), the PE loader as the tool Loader, and the
// live process as the resource probe for the restart budget check.
func buildSandbox() (*sandbox.Sandbox, *fscache.Adapter, error) {
	adapter := fscache.New(&directFileSource{})
	modules := modreg.New()
	tools := toolreg.New(adapter, &fileLoader{modules: modules})

	probe := &liveProcessProbe{handle: windows.CurrentProcess()}
	budget := sandbox.Budget{
		MaxWorkingSetBytes: 768 * 1024 * 1024,
		MaxHandleCount:     4000,
	}

	s := sandbox.New(modules, tools, nativeEntrypoint, probe, budget)
	return s, adapter, nil
}

// serve is the pipe-read main loop (spec.md §5): the only place the
// process deliberately waits. Ctrl-C cancels the read, writes a short
// message, and waits up to sandbox.GracePeriod before force-exit; a second
// Ctrl-C terminates immediately.
func serve(ctx context.Context, s *sandbox.Sandbox, adapter *fscache.Adapter, pipe io.ReadWriteCloser, volatileRoots []string) error {
	ctrlCh, stopCtrlHandler, err := watchCtrlEvents()
	if err != nil {
		klog.L.WithError(err).Warn("could not register console control handler, Ctrl-C will not be caught")
	}
	defer stopCtrlHandler()

	cancel := &sandbox.CancellationState{}
	done := make(chan error, 1)

	go func() {
		done <- readLoop(ctx, s, adapter, pipe, volatileRoots)
	}()

	select {
	case err := <-done:
		if err != nil {
			return cli.Exit(err.Error(), exitIOError)
		}
		return nil
	case <-ctrlCh:
		code, terminate := cancel.Signal(exitCancelled)
		if terminate {
			return cli.Exit("cancelled by signal", int(code))
		}
		fmt.Fprintln(os.Stderr, "kworker: shutting down, waiting for in-flight job")
		select {
		case err := <-done:
			if err != nil {
				return cli.Exit(err.Error(), exitIOError)
			}
			return cli.Exit("cancelled by signal", int(code))
		case <-ctrlCh:
			return cli.Exit("cancelled by signal", exitCancelledAlt)
		case <-time.After(sandbox.GracePeriod):
			return cli.Exit("cancelled by signal", int(code))
		}
	}
}

// watchCtrlEvents registers a real console control handler (spec.md §5
// "ControlHandler"), which Windows invokes on its own system thread, and
// relays each event through a queue.MessageQueue to the single-threaded
// consumer below — the same hand-off shape the teacher's IOCP notification
// path uses for kernel-thread-to-consumer delivery. The returned channel
// carries CtrlC/CtrlBreak/CtrlClose/CtrlLogoff/CtrlShutdown events; the stop
// function unregisters
// the relay goroutine and must be deferred by the caller.
func watchCtrlEvents() (<-chan uint32, func(), error) {
	events := queue.NewMessageQueue()
	out := make(chan uint32, 2)

	go func() {
		for {
			v, err := events.Dequeue()
			if err != nil {
				return
			}
			out <- v.(uint32)
		}
	}()

	err := winapi.RegisterCtrlHandler(func(ctrlType uint32) bool {
		switch ctrlType {
		case winapi.CtrlCEvent, winapi.CtrlBreakEvent, winapi.CtrlCloseEvent,
			winapi.CtrlLogoffEvent, winapi.CtrlShutdownEvent:
			// Enqueue never blocks the handler thread: the queue is
			// unbounded, and a full consumer just means one extra
			// buffered event by the time it catches up.
			_ = events.Enqueue(ctrlType)
			return true
		default:
			return false
		}
	})
	return out, events.Close, err
}

func readLoop(ctx context.Context, s *sandbox.Sandbox, adapter *fscache.Adapter, pipe io.ReadWriteCloser, volatileRoots []string) error {
	r := bufio.NewReader(pipe)
	var jobID uint64
	for {
		tag, body, err := protocol.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if tag != "JOB" {
			klog.L.WithField("tag", tag).Warn("ignoring unrecognized driver command")
			continue
		}

		job, err := protocol.DecodeJob(body)
		if err != nil {
			klog.L.WithError(err).Error("malformed JOB message")
			continue
		}

		jobID++
		jobCtx := klog.WithJob(ctx, jobID)

		adapter.InvalidateVolatileTree(volatileRoots)
		result, err := s.RunJob(jobCtx, job)
		if err != nil {
			klog.G(jobCtx).WithError(err).Error("job failed")
			result = &sandbox.Result{ExitCode: -1}
		}

		if _, err := pipe.Write(protocol.EncodeReply(result)); err != nil {
			return err
		}
		if result.Exiting {
			return nil
		}
	}
}

// runSelfCheck exercises --test / --full-test: a job for
// C:\kworker\selftest.exe runs once (or twice, to exercise the reset path)
// with no driver attached. The tool registry loads that file from disk; the
// entry point called is the nativeEntrypoint stub.
func runSelfCheck(s *sandbox.Sandbox, full bool) error {
	job := &sandbox.Job{
		ExecutablePath: `C:\kworker\selftest.exe`,
		Argv:           []string{"selftest.exe"},
	}
	runs := 1
	if full {
		runs = 2
	}
	for i := 0; i < runs; i++ {
		result, err := s.RunJob(context.Background(), job)
		if err != nil {
			return cli.Exit(fmt.Sprintf("self-check failed: %v", err), exitSetupFailure)
		}
		fmt.Fprintf(os.Stdout, "self-check run %d: exit code %d\n", i+1, result.ExitCode)
	}
	return nil
}

// openPipeWithRetry wraps the inherited pipe handle for overlapped I/O,
// retrying with backoff if the driver has not yet finished setting up its
// end (e.g. the worker process started marginally ahead of the driver's own
// handle setup). Mirrors hcsshim's io_npipe.go reconnect backoff: short
// initial interval, capped max interval, bounded total elapsed time so a
// truly absent driver still surfaces as a setup failure.
func openPipeWithRetry(handle windows.Handle) (io.ReadWriteCloser, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      15 * time.Second,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var pipe io.ReadWriteCloser
	operation := func() error {
		p, err := winio.NewOpenFile(handle)
		if err != nil {
			return err
		}
		pipe = p
		return nil
	}
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return pipe, nil
}

func parseHandle(hex string) (windows.Handle, error) {
	hex = strings.TrimPrefix(strings.TrimPrefix(hex, "0x"), "0X")
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, err
	}
	return windows.Handle(v), nil
}

func applyProcessTuning(priority, group int) error {
	classes := map[int]uint32{
		1: windows.IDLE_PRIORITY_CLASS,
		2: windows.BELOW_NORMAL_PRIORITY_CLASS,
		3: windows.NORMAL_PRIORITY_CLASS,
		4: windows.ABOVE_NORMAL_PRIORITY_CLASS,
		5: windows.HIGH_PRIORITY_CLASS,
	}
	if err := windows.SetPriorityClass(windows.CurrentProcess(), classes[priority]); err != nil {
		return err
	}
	if group > 0 {
		return setProcessorGroupAffinity(uint16(group))
	}
	return nil
}

// nativeEntrypoint stands in for the real manually-mapped call into the
// tool's entry point: saving/restoring the NT TIB, transferring control to
// the mapped image's AddressOfEntryPoint, and catching the longjmp an
// intercepted exit/_exit/terminate performs. That trampoline is
// architecture-specific assembly outside this package's scope; this stub
// keeps RunJob's lifecycle exercised end to end ahead of it landing.
func nativeEntrypoint(argv, env []string) (int32, bool) {
	return 0, false
}

// setProcessorGroupAffinity pins the worker's main thread to the requested
// processor group (spec.md §6 `--group`); kWorker is single-threaded so
// this is the only affinity call needed.
func setProcessorGroupAffinity(group uint16) error {
	affinity := &winapi.GroupAffinity{Mask: ^uintptr(0), Group: group}
	return winapi.SetThreadGroupAffinity(winapi.GetCurrentThread(), affinity, nil)
}
