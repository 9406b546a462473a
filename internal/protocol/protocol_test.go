package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kworker/kworker/internal/sandbox"
)

func buildJobBody(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	writeCString := func(s string) {
		buf.WriteString(s)
		buf.WriteByte(0)
	}

	writeCString(`C:\bin\cl.exe`)
	writeCString(`C:\src`)

	binary.Write(&buf, binary.LittleEndian, uint32(2))
	buf.WriteByte(byte(ArgFlagNone))
	writeCString("cl.exe")
	buf.WriteByte(byte(ArgFlagNone))
	writeCString("/c")

	binary.Write(&buf, binary.LittleEndian, uint32(1))
	writeCString("PATH=C:\\tools")

	buf.WriteByte(0) // watcom_flag
	buf.WriteByte(1) // no_pch_caching

	writeCString("")

	binary.Write(&buf, binary.LittleEndian, uint32(0))

	return buf.Bytes()
}

func TestDecodeJob(t *testing.T) {
	body := buildJobBody(t)
	job, err := DecodeJob(body)
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if job.ExecutablePath != `C:\bin\cl.exe` {
		t.Fatalf("ExecutablePath = %q", job.ExecutablePath)
	}
	if job.WorkingDir != `C:\src` {
		t.Fatalf("WorkingDir = %q", job.WorkingDir)
	}
	if len(job.Argv) != 2 || job.Argv[0] != "cl.exe" || job.Argv[1] != "/c" {
		t.Fatalf("Argv = %v", job.Argv)
	}
	if len(job.Env) != 1 || job.Env[0] != "PATH=C:\\tools" {
		t.Fatalf("Env = %v", job.Env)
	}
	if job.WatcomQuoting {
		t.Fatal("expected WatcomQuoting false")
	}
	if !job.NoPCHCaching {
		t.Fatal("expected NoPCHCaching true")
	}
	if len(job.PostCmdArgv) != 0 {
		t.Fatalf("PostCmdArgv = %v", job.PostCmdArgv)
	}
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	tagAndBody := append([]byte("JOB\x00"), []byte("hello")...)
	binary.Write(&buf, binary.LittleEndian, uint32(4+len(tagAndBody)))
	buf.Write(tagAndBody)

	tag, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if tag != "JOB" {
		t.Fatalf("tag = %q", tag)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
}

func TestEncodeReply(t *testing.T) {
	got := EncodeReply(&sandbox.Result{ExitCode: 7, Exiting: true})
	want := []byte{7, 0, 0, 0, 1, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeReply = %v, want %v", got, want)
	}
}
