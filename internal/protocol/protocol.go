// Package protocol implements the driver pipe wire format described in
// spec.md §6: a framed byte stream of NUL-terminated-tag commands, of
// which only JOB is decoded here (the protocol itself, beyond the JOB
// message shape, is an out-of-scope collaborator per spec.md §1).
package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/kworker/kworker/internal/sandbox"
)

// ArgFlags is the per-argument expansion-flag byte preceding each argv
// entry in a JOB message.
type ArgFlags byte

const (
	ArgFlagNone    ArgFlags = 0
	ArgFlagExpand  ArgFlags = 1 << 0 // contains @@TOKEN@@ placeholders to expand
)

// ReadFrame reads one length-prefixed, NUL-terminated-tag frame from r:
// a little-endian u32 length (inclusive of itself), then the tag, then
// the body.
func ReadFrame(r io.Reader) (tag string, body []byte, err error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", nil, errors.Wrap(err, "protocol: read frame length")
	}
	if length < 4 {
		return "", nil, errors.New("protocol: frame length smaller than its own header")
	}
	rest := make([]byte, length-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return "", nil, errors.Wrap(err, "protocol: read frame body")
	}

	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return "", nil, errors.New("protocol: frame missing NUL-terminated tag")
	}
	return string(rest[:nul]), rest[nul+1:], nil
}

// readCString reads a NUL-terminated ASCII string from r.
func readCString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", errors.Wrap(err, "protocol: read NUL-terminated string")
	}
	return s[:len(s)-1], nil
}

// DecodeJob parses a JOB message body into a sandbox.Job, per the field
// table in spec.md §6.
func DecodeJob(body []byte) (*sandbox.Job, error) {
	r := bufio.NewReader(bytes.NewReader(body))
	job := &sandbox.Job{}

	var err error
	if job.ExecutablePath, err = readCString(r); err != nil {
		return nil, err
	}
	if job.WorkingDir, err = readCString(r); err != nil {
		return nil, err
	}

	var argc uint32
	if err := binary.Read(r, binary.LittleEndian, &argc); err != nil {
		return nil, errors.Wrap(err, "protocol: read argc")
	}
	job.Argv = make([]string, argc)
	for i := uint32(0); i < argc; i++ {
		if _, err := r.ReadByte(); err != nil { // per-argument expansion flags byte
			return nil, errors.Wrap(err, "protocol: read argv flags")
		}
		if job.Argv[i], err = readCString(r); err != nil {
			return nil, err
		}
	}

	var envCount uint32
	if err := binary.Read(r, binary.LittleEndian, &envCount); err != nil {
		return nil, errors.Wrap(err, "protocol: read env_count")
	}
	job.Env = make([]string, envCount)
	for i := uint32(0); i < envCount; i++ {
		if job.Env[i], err = readCString(r); err != nil {
			return nil, err
		}
	}

	watcomFlag, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "protocol: read watcom_flag")
	}
	job.WatcomQuoting = watcomFlag != 0

	noPCH, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "protocol: read no_pch_caching")
	}
	job.NoPCHCaching = noPCH != 0

	if job.SpecialEnvName, err = readCString(r); err != nil {
		return nil, err
	}

	var postCmdArgc uint32
	if err := binary.Read(r, binary.LittleEndian, &postCmdArgc); err != nil {
		return nil, errors.Wrap(err, "protocol: read post_cmd_argc")
	}
	job.PostCmdArgv = make([]string, postCmdArgc)
	for i := uint32(0); i < postCmdArgc; i++ {
		if job.PostCmdArgv[i], err = readCString(r); err != nil {
			return nil, err
		}
	}

	return job, nil
}

// EncodeReply encodes a job's reply: a 32-bit little-endian exit code, one
// byte `exiting` flag, three zero pad bytes.
func EncodeReply(result *sandbox.Result) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(result.ExitCode))
	if result.Exiting {
		buf[4] = 1
	}
	return buf
}
