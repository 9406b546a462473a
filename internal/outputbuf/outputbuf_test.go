package outputbuf

import "testing"

type fakeSink struct {
	console []string
	raw     [][]byte
}

func (f *fakeSink) WriteConsole(s string) error {
	f.console = append(f.console, s)
	return nil
}

func (f *fakeSink) WriteRaw(b []byte) error {
	cp := append([]byte(nil), b...)
	f.raw = append(f.raw, cp)
	return nil
}

func TestExitViaLongjmpScenario(t *testing.T) {
	sink := &fakeSink{}
	m := New(sink, ToolHintNone, true, true)
	if err := m.Write(Stdout, "hello\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.FinalFlush(); err != nil {
		t.Fatalf("FinalFlush: %v", err)
	}
	if m.CapturedOutput() != "hello\n" {
		t.Fatalf("captured = %q, want %q", m.CapturedOutput(), "hello\n")
	}
}

func TestCLEchoSuppression(t *testing.T) {
	// cl.exe's real echo is CRLF-terminated; writeConsole strips the bare
	// \r at the line boundary the same way the console code-page
	// conversion does, so the filename-chars match still fires.
	sink := &fakeSink{}
	m := New(sink, ToolHintCL, true, true)
	if err := m.Write(Stdout, "foo.c\r\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.FinalFlush(); err != nil {
		t.Fatalf("FinalFlush: %v", err)
	}
	if len(sink.console) != 0 {
		t.Fatalf("expected suppressed echo, got %v", sink.console)
	}

	sink2 := &fakeSink{}
	m2 := New(sink2, ToolHintCL, true, true)
	m2.Write(Stdout, "foo.c\n")
	if err := m2.FinalFlush(); err != nil {
		t.Fatalf("FinalFlush: %v", err)
	}
	if len(sink2.console) != 0 {
		t.Fatalf("expected suppressed echo, got %v", sink2.console)
	}
}

func TestNonFilenameOutputNotSuppressed(t *testing.T) {
	sink := &fakeSink{}
	m := New(sink, ToolHintCL, true, true)
	m.Write(Stdout, "error C2065: undeclared identifier\n")
	if err := m.FinalFlush(); err != nil {
		t.Fatalf("FinalFlush: %v", err)
	}
	if len(sink.console) == 0 {
		t.Fatal("expected non-filename output to be flushed, not suppressed")
	}
}

func TestPipeBufferingFlushesOnOverflow(t *testing.T) {
	sink := &fakeSink{}
	m := New(sink, ToolHintNone, false, false)
	big := make([]byte, pipeBufferCap+10)
	for i := range big {
		big[i] = 'a'
	}
	if err := m.Write(Stdout, string(big)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(sink.raw) == 0 {
		t.Fatal("expected at least one flush on overflow")
	}
}
