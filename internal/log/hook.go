package log

import (
	"bytes"
	"reflect"
	"time"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

const nullString = "null"

// DurationFormat converts a [time.Duration] field into a loggable value.
type DurationFormat func(time.Duration) interface{}

// DurationFormatSeconds formats a duration as fractional seconds.
func DurationFormatSeconds(d time.Duration) interface{} {
	return d.Seconds()
}

// Hook intercepts and formats a [logrus.Entry] before it is logged.
//
// kWorker runs as a single long-lived process with no separate log shipper,
// so the hook's only job is to make structured fields (paths, handle
// records, quick-copy plans) JSON-safe before logrus's text/JSON formatter
// renders them.
type Hook struct {
	// EncodeAsJSON formats structs, maps, arrays, slices, and [bytes.Buffer] as JSON.
	//
	// Default is true.
	EncodeAsJSON bool

	// TimeFormat specifies the format for [time.Time] variables.
	// An empty string disables formatting.
	//
	// Default is [github.com/containerd/log.RFC3339NanoFixed].
	TimeFormat string

	// DurationFormat converts [time.Duration] fields to a loggable encoding.
	//
	// Default is [DurationFormatSeconds].
	DurationFormat DurationFormat

	// EncodeError controls whether error fields are JSON encoded or kept as-is.
	EncodeError bool
}

var _ logrus.Hook = &Hook{}

func NewHook() *Hook {
	return &Hook{
		EncodeAsJSON:   true,
		TimeFormat:     log.RFC3339NanoFixed,
		DurationFormat: DurationFormatSeconds,
	}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(e *logrus.Entry) error {
	h.encode(e)
	return nil
}

// encode loops through all the fields in the [logrus.Entry] and encodes them according to
// the settings in [Hook].
func (h *Hook) encode(e *logrus.Entry) {
	d := e.Data

	formatTime := h.TimeFormat != ""
	if !(h.EncodeAsJSON || formatTime) {
		return
	}

	for k, v := range d {
		if !h.EncodeError {
			if _, ok := v.(error); k == logrus.ErrorKey || ok {
				continue
			}
		}

		if t, ok := v.(time.Time); formatTime && ok {
			d[k] = t.Format(h.TimeFormat)
			continue
		}

		if !h.EncodeAsJSON {
			continue
		}

		switch vv := v.(type) {
		case bool, string, error, uintptr,
			int8, int16, int32, int64, int,
			uint8, uint32, uint64, uint,
			float32, float64:
			continue

		case time.Duration:
			if h.DurationFormat != nil {
				if i := h.DurationFormat(vv); i != nil {
					d[k] = i
				}
			}
			continue

		// Rather than setting d[k] = vv.String(), JSON encode []byte value, since it
		// may be a binary payload (e.g. a quick-copy source buffer) and not
		// representable as a string.
		case bytes.Buffer:
			v = vv.Bytes()
		case *bytes.Buffer:
			v = vv.Bytes()
		}

		rv := reflect.Indirect(reflect.ValueOf(v))
		if !rv.IsValid() {
			d[k] = nullString
			continue
		}

		switch rv.Kind() {
		case reflect.Map, reflect.Struct, reflect.Array, reflect.Slice:
		default:
			continue
		}

		b, err := encode(v)
		if err != nil {
			d[k+"-"+logrus.ErrorKey] = err.Error()
		}
		d[k] = string(b)
	}
}
