// Package environ implements the parallel ANSI/UTF-16 environment vectors,
// argv quoting, and PEB CommandLine substitution described in spec.md §4.7.
package environ

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/kworker/kworker/internal/interop"
	"github.com/kworker/kworker/internal/winapi"
)

const growIncrement = 256

// maxExpandedValue bounds an expanded @@TOKEN@@ value (spec.md §4.7).
const maxExpandedValue = 1024

// Vars holds the four parallel arrays: ANSI and UTF-16 "papszEnvVars"/
// "environ"-style vectors. kWorker represents both encodings as Go strings
// internally; UTF-16 is materialized only at the Win32 ABI boundary, by
// ANSIBlock/UTF16Block on the way out and DecodeANSIBlock/DecodeUTF16Block
// on the way back in. What matters here is that a set/unset/get on one view
// is observable from the other, per spec.md §8 property 7.
type Vars struct {
	names  []string
	values []string
}

func New() *Vars {
	return &Vars{}
}

func (v *Vars) indexOf(name string) int {
	for i, n := range v.names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// Set assigns name=value, adding a new slot if name is unset. Comparison on
// name is case-insensitive ASCII, matching Windows environment semantics.
func (v *Vars) Set(name, value string) {
	if i := v.indexOf(name); i >= 0 {
		v.values[i] = value
		return
	}
	v.names = append(v.names, name)
	v.values = append(v.values, value)
}

// Unset removes name by swapping in the tail slot, per spec.md §4.7.
func (v *Vars) Unset(name string) {
	i := v.indexOf(name)
	if i < 0 {
		return
	}
	last := len(v.names) - 1
	v.names[i] = v.names[last]
	v.values[i] = v.values[last]
	v.names = v.names[:last]
	v.values = v.values[:last]
}

// Get returns the current value and whether name is set.
func (v *Vars) Get(name string) (string, bool) {
	if i := v.indexOf(name); i >= 0 {
		return v.values[i], true
	}
	return "", false
}

// Pairs returns every NAME=VALUE pair, in insertion order (after any swaps
// from Unset); used to build the block LoadLibrary/CreateProcess need and
// to mirror changes into the real OS environment (PATH in particular must
// be visible to native LoadLibrary, per spec.md §4.7).
func (v *Vars) Pairs() []string {
	out := make([]string, len(v.names))
	for i := range v.names {
		out[i] = v.names[i] + "=" + v.values[i]
	}
	return out
}

// Len reports the slot count (test/diagnostic use only; growIncrement
// governs the real implementation's backing-array sizing, which this
// slice-based model does not need to emulate directly).
func (v *Vars) Len() int { return len(v.names) }

// ANSIBlock encodes the current pairs as the double-NUL-terminated ANSI
// block CreateProcessA-style APIs and the tool's own CRT startup code
// expect: each "NAME=VALUE" entry NUL-terminated, with a final empty entry
// marking the end of the set.
func (v *Vars) ANSIBlock() []byte {
	var buf []byte
	for _, kv := range v.Pairs() {
		buf = append(buf, kv...)
		buf = append(buf, 0)
	}
	return append(buf, 0)
}

// DecodeANSIBlock parses a double-NUL-terminated ANSI environment block
// (as returned by GetEnvironmentStrings, or captured before essential
// cleanup restores the job's block) back into its NAME=VALUE pairs, using
// the same run-length scan the real worker uses to read its own ANSI
// vector off the process environment block.
func DecodeANSIBlock(buf []byte) ([]string, error) {
	return winapi.ConvertStringSetToSlice(buf)
}

// UTF16Block encodes the current pairs as a double-NUL-terminated UTF-16
// block, the form lpEnvironment takes at the CreateProcessW/LoadLibrary
// ABI boundary.
func (v *Vars) UTF16Block() ([]uint16, error) {
	var out []uint16
	for _, kv := range v.Pairs() {
		u, err := windows.UTF16FromString(kv)
		if err != nil {
			return nil, errors.Wrapf(err, "environ: encode %q", kv)
		}
		out = append(out, u...) // includes kv's own trailing NUL
	}
	return append(out, 0), nil
}

// DecodeUTF16Block walks the UTF-16 block at base back into NAME=VALUE
// pairs, stopping at the block's final empty entry. Used to read the
// UTF-16 vector a loaded tool's CRT startup may have rewritten in place
// during a job.
func DecodeUTF16Block(base *uint16) []string {
	return interop.ConvertUTF16BlockToStrings(base)
}

// PEBCommandLine builds the UNICODE_STRING value the entry trampoline
// swaps into the PEB's ProcessParameters.CommandLine field for the job's
// duration (spec.md §4.7, §8 property 5); RestorePEBCommandLine builds the
// equivalent value to swap back in during essential cleanup.
func PEBCommandLine(cmdLine string) (*winapi.UnicodeString, error) {
	return winapi.NewUnicodeString(cmdLine)
}

// RestorePEBCommandLine is PEBCommandLine's inverse, named separately so
// callers read clearly at the two swap sites even though the construction
// is identical.
func RestorePEBCommandLine(priorCmdLine string) (*winapi.UnicodeString, error) {
	return winapi.NewUnicodeString(priorCmdLine)
}

// TokenExpander resolves @@TOKEN@@ placeholders a build driver could not
// fill in before handing the job to the worker.
type TokenExpander struct {
	ProcessorGroup func() (uint32, error)
	AuthID         func() (uint64, error)
	PID            func() uint32

	debugCounter uint64
}

// scanToken finds the first "@@...@@" occurrence in s starting at or after
// index 0, returning the token name (without "@@" delimiters), its byte
// length including delimiters, and whether one was found.
func scanToken(s string) (string, int, bool) {
	start := strings.Index(s, "@@")
	if start < 0 {
		return "", 0, false
	}
	rest := s[start+2:]
	end := strings.Index(rest, "@@")
	if end < 0 {
		return "", 0, false
	}
	full := s[start : start+2+end+2]
	return rest[:end], len(full), true
}

// Expand resolves every @@TOKEN@@ in value. Fails with an error (a fatal
// per-job error per spec.md §4.7) on an unknown token name or if the
// expanded value would exceed maxExpandedValue bytes.
func (e *TokenExpander) Expand(value string) (string, error) {
	var out strings.Builder
	remaining := value
	for {
		name, tokenLen, found := scanToken(remaining)
		if !found {
			out.WriteString(remaining)
			break
		}
		start := strings.Index(remaining, "@@")
		out.WriteString(remaining[:start])

		repl, err := e.resolveToken(name)
		if err != nil {
			return "", err
		}
		out.WriteString(repl)
		remaining = remaining[start+tokenLen:]
	}
	result := out.String()
	if len(result) > maxExpandedValue {
		return "", errors.Errorf("environ: expanded value exceeds %d bytes", maxExpandedValue)
	}
	return result, nil
}

func (e *TokenExpander) resolveToken(name string) (string, error) {
	switch name {
	case "":
		// "@@@@" scans as an empty token name between the literal "@@" and
		// the next "@@"; the net effect is the literal text "@@".
		return "@@", nil
	case "PROCESS_GROUP":
		if e.ProcessorGroup == nil {
			return "0", nil
		}
		g, err := e.ProcessorGroup()
		if err != nil {
			return "", errors.Wrap(err, "environ: @@PROCESS_GROUP@@")
		}
		return strconv.FormatUint(uint64(g), 10), nil
	case "AUTHENTICATION_ID":
		if e.AuthID == nil {
			return "0", nil
		}
		id, err := e.AuthID()
		if err != nil {
			return "", errors.Wrap(err, "environ: @@AUTHENTICATION_ID@@")
		}
		return fmt.Sprintf("%x", id), nil
	case "PID":
		if e.PID == nil {
			return "0", nil
		}
		return strconv.FormatUint(uint64(e.PID()), 10), nil
	case "DEBUG_COUNTER":
		n := atomic.AddUint64(&e.debugCounter, 1)
		return strconv.FormatUint(n, 10), nil
	default:
		return "", errors.Errorf("environ: unknown token @@%s@@", name)
	}
}

// QuoteStyle selects between the default MSVC argument-quoting rule and the
// OpenWatcom "watcom brain-damage" alternate rule (spec.md §4.7, supplemented
// per SPEC_FULL.md from kmk's own separation of quoting strategies into
// distinct named routines).
type QuoteStyle int

const (
	QuoteStyleMSVC QuoteStyle = iota
	QuoteStyleWatcom
)

// BuildCommandLine quotes and joins argv into a single command-line string
// per style, then the caller converts it to UTF-16 for the PEB swap.
func BuildCommandLine(argv []string, style QuoteStyle) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		switch style {
		case QuoteStyleWatcom:
			parts[i] = quoteArgWatcom(a)
		default:
			parts[i] = quoteArgMSVC(a)
		}
	}
	return strings.Join(parts, " ")
}

// quoteArgMSVC applies the standard MSVC CommandLineToArgvW-compatible
// quoting rule: wrap in quotes if the argument is empty or contains a
// space, tab, or quote, backslash-escaping embedded quotes and doubling
// backslashes that immediately precede a quote (including the closing one).
func quoteArgMSVC(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\"") {
		return arg
	}
	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for _, r := range arg {
		switch r {
		case '\\':
			slashes++
			b.WriteRune(r)
		case '"':
			for i := 0; i < slashes; i++ {
				b.WriteByte('\\')
			}
			b.WriteString(`\"`)
			slashes = 0
		default:
			slashes = 0
			b.WriteRune(r)
		}
	}
	for i := 0; i < slashes; i++ {
		b.WriteByte('\\')
	}
	b.WriteByte('"')
	return b.String()
}

// quoteArgWatcom applies OpenWatcom's alternate quoting rule: it never
// doubles embedded quotes (Watcom's own argv parser does not expect it),
// it only wraps in quotes when the argument contains whitespace, and
// embedded quotes are passed through unescaped.
func quoteArgWatcom(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t") {
		return arg
	}
	return `"` + arg + `"`
}
