// Package outputbuf implements the per-stream and combined-console output
// buffering described in spec.md §4.5, including the cl.exe source-file
// echo suppression.
package outputbuf

import (
	"regexp"
	"strings"
)

const (
	consoleFlushThreshold = 8 * 1024  // wchars
	pipeBufferCap         = 64 * 1024 // bytes, no growth
)

// StreamKind identifies stdout vs stderr.
type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

// ToolHint narrows the echo-suppression rule to cl.exe jobs.
type ToolHint int

const (
	ToolHintNone ToolHint = iota
	ToolHintCL
)

// Sink is where a flush ultimately lands: WriteConsoleW for console
// streams, WriteFile for pipes/files. Production wires real syscalls; tests
// use an in-memory fake.
type Sink interface {
	WriteConsole(s string) error
	WriteRaw(b []byte) error
}

// StreamBuffer holds one stream's (stdout or stderr) buffering state.
type StreamBuffer struct {
	kind      StreamKind
	isConsole bool

	// console (line-buffered) state
	pending strings.Builder

	// pipe (fully buffered) state
	pipeBuf []byte
}

func newStreamBuffer(kind StreamKind, isConsole bool) *StreamBuffer {
	return &StreamBuffer{kind: kind, isConsole: isConsole}
}

// Manager owns both stream buffers, the combined console buffer, and the
// echo-suppression bookkeeping.
type Manager struct {
	sink Sink
	hint ToolHint

	stdout *StreamBuffer
	stderr *StreamBuffer

	combined strings.Builder

	flushed       bool // true once any flush has written output this job
	combinedTotal strings.Builder
}

// New creates a Manager; isConsoleStdout/isConsoleStderr reflect
// GetFileType at job start.
func New(sink Sink, hint ToolHint, isConsoleStdout, isConsoleStderr bool) *Manager {
	return &Manager{
		sink:   sink,
		hint:   hint,
		stdout: newStreamBuffer(Stdout, isConsoleStdout),
		stderr: newStreamBuffer(Stderr, isConsoleStderr),
	}
}

func (m *Manager) streamFor(kind StreamKind) *StreamBuffer {
	if kind == Stdout {
		return m.stdout
	}
	return m.stderr
}

// Write appends text written by the tool to the given stream, applying
// line- or full-buffering per spec.md §4.5.
func (m *Manager) Write(kind StreamKind, text string) error {
	sb := m.streamFor(kind)
	if sb.isConsole {
		return m.writeConsole(sb, text)
	}
	return m.writePipe(sb, []byte(text))
}

// writeConsole splits at '\n'; complete lines move to the combined buffer
// (flushed if it would overflow consoleFlushThreshold wchars); the trailing
// incomplete line stays per-stream. The console code-page conversion
// (spec.md §4.5) is a text-mode conversion, so a bare '\r' immediately
// before the '\n' is stripped the same way the real console layer
// normalizes CRLF to LF.
func (m *Manager) writeConsole(sb *StreamBuffer, text string) error {
	combinedSoFar := sb.pending.String() + text
	lines := strings.Split(combinedSoFar, "\n")
	// Everything but the last element is a complete line (the split
	// consumed the trailing '\n'); the last element is the new pending tail.
	for i := 0; i < len(lines)-1; i++ {
		line := strings.TrimSuffix(lines[i], "\r") + "\n"
		if m.combined.Len()+len(line) > consoleFlushThreshold {
			if err := m.flushCombined(); err != nil {
				return err
			}
		}
		m.combined.WriteString(line)
		m.combinedTotal.WriteString(line)
	}
	sb.pending.Reset()
	sb.pending.WriteString(lines[len(lines)-1])
	return nil
}

// writePipe appends to the stream's fully-buffered pipe buffer, flushing
// when it would overflow pipeBufferCap, preferring a line boundary but
// flushing mid-line if necessary.
func (m *Manager) writePipe(sb *StreamBuffer, data []byte) error {
	for len(data) > 0 {
		room := pipeBufferCap - len(sb.pipeBuf)
		if room <= 0 {
			if err := m.flushPipe(sb); err != nil {
				return err
			}
			room = pipeBufferCap
		}
		take := len(data)
		overflow := false
		if take > room {
			// prefer to cut at the last newline within room
			cut := room
			if idx := lastNewlineBefore(data, room); idx >= 0 {
				cut = idx + 1
			}
			take = cut
			overflow = true
		}
		sb.pipeBuf = append(sb.pipeBuf, data[:take]...)
		m.combinedTotal.Write(data[:take])
		data = data[take:]
		if overflow || len(sb.pipeBuf) >= pipeBufferCap {
			if err := m.flushPipe(sb); err != nil {
				return err
			}
		}
	}
	return nil
}

func lastNewlineBefore(data []byte, limit int) int {
	if limit > len(data) {
		limit = len(data)
	}
	for i := limit - 1; i >= 0; i-- {
		if data[i] == '\n' {
			return i
		}
	}
	return -1
}

func (m *Manager) flushPipe(sb *StreamBuffer) error {
	if len(sb.pipeBuf) == 0 {
		return nil
	}
	if err := m.sink.WriteRaw(sb.pipeBuf); err != nil {
		return err
	}
	m.flushed = true
	sb.pipeBuf = sb.pipeBuf[:0]
	return nil
}

func (m *Manager) flushCombined() error {
	if m.combined.Len() == 0 {
		return nil
	}
	if err := m.sink.WriteConsole(m.combined.String()); err != nil {
		return err
	}
	m.flushed = true
	m.combined.Reset()
	return nil
}

// filenameChars matches the "only filename characters" rule used by the
// cl.exe echo-suppression check.
var filenameChars = regexp.MustCompile(`^[A-Za-z0-9._ -]*\n$`)

// FinalFlush performs the job's final flush, applying cl.exe echo
// suppression: if this is the first flush this job, the tool hint is CL,
// and the accumulated output is exactly one filename-looking line, it is
// dropped instead of written.
func (m *Manager) FinalFlush() error {
	// flush any pending partial lines into combined/pipe buffers first
	if m.stdout.isConsole {
		m.combined.WriteString(m.stdout.pending.String())
		m.combinedTotal.WriteString(m.stdout.pending.String())
		m.stdout.pending.Reset()
	}
	if m.stderr.isConsole {
		m.combined.WriteString(m.stderr.pending.String())
		m.combinedTotal.WriteString(m.stderr.pending.String())
		m.stderr.pending.Reset()
	}

	suppressed := false
	if !m.flushed && m.hint == ToolHintCL {
		var candidate string
		if m.stdout.isConsole || m.stderr.isConsole {
			candidate = m.combined.String()
		} else {
			candidate = string(m.stdout.pipeBuf)
		}
		if candidate != "" && filenameChars.MatchString(candidate) {
			suppressed = true
			m.combined.Reset()
			m.stdout.pipeBuf = m.stdout.pipeBuf[:0]
		}
	}
	m.flushed = true

	if suppressed {
		return nil
	}

	if err := m.flushCombined(); err != nil {
		return err
	}
	if err := m.flushPipe(m.stdout); err != nil {
		return err
	}
	return m.flushPipe(m.stderr)
}

// CapturedOutput returns everything written across the job so far,
// regardless of suppression, for test assertions.
func (m *Manager) CapturedOutput() string {
	return m.combinedTotal.String()
}
