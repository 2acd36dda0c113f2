package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/callpilot/pkg/errorsx"
)

// DefaultMaxChunk bounds a single media chunk (one second of 8 kHz audio).
const DefaultMaxChunk = TelephonyRate

// DecodeError marks a malformed chunk. The frame is dropped and the decoder
// remains usable.
type DecodeError struct {
	Seq    int64
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame %d: %s: %v", e.Seq, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode frame %d: %s", e.Seq, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SequenceError marks a stale or duplicate frame sequence. The stream is
// considered corrupt.
type SequenceError struct {
	Last int64
	Got  int64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("frame sequence %d not after %d", e.Got, e.Last)
}

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func IsSequenceError(err error) bool {
	var se *SequenceError
	return errors.As(err, &se)
}

// Decoder turns base64 mu-law chunks into linear PCM at the target rate. It
// carries interpolation state across chunks and must be used by one goroutine.
type Decoder struct {
	targetRate int
	factor     int
	maxChunk   int

	started bool
	lastSeq int64
	prev    int16
}

func NewDecoder(targetRate int) (*Decoder, error) {
	if targetRate <= 0 {
		targetRate = 2 * TelephonyRate
	}
	if targetRate%TelephonyRate != 0 {
		return nil, fmt.Errorf("target rate %d is not a multiple of %d", targetRate, TelephonyRate)
	}
	return &Decoder{
		targetRate: targetRate,
		factor:     targetRate / TelephonyRate,
		maxChunk:   DefaultMaxChunk,
	}, nil
}

func (d *Decoder) TargetRate() int { return d.targetRate }

// LastSequence returns the highest sequence accepted so far.
func (d *Decoder) LastSequence() int64 { return d.lastSeq }

// Decode checks seq against the running sequence and decodes payload. A
// *SequenceError leaves the decoder untouched. A *DecodeError consumes the
// sequence number but leaves the interpolation state as it was.
func (d *Decoder) Decode(seq int64, payload []byte) ([]int16, error) {
	if d.started && seq <= d.lastSeq {
		return nil, errorsx.Wrap(&SequenceError{Last: d.lastSeq, Got: seq}, errorsx.ReasonProtocolSequence)
	}
	d.started = true
	d.lastSeq = seq

	if len(payload) == 0 {
		return nil, errorsx.Wrap(&DecodeError{Seq: seq, Reason: "empty payload"}, errorsx.ReasonDecode)
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(raw, payload)
	if err != nil {
		return nil, errorsx.Wrap(&DecodeError{Seq: seq, Reason: "invalid base64", Err: err}, errorsx.ReasonDecode)
	}
	raw = raw[:n]
	if n == 0 {
		return nil, errorsx.Wrap(&DecodeError{Seq: seq, Reason: "empty chunk"}, errorsx.ReasonDecode)
	}
	if n > d.maxChunk {
		return nil, errorsx.Wrap(&DecodeError{Seq: seq, Reason: fmt.Sprintf("chunk of %d bytes exceeds %d", n, d.maxChunk)}, errorsx.ReasonDecode)
	}

	out := make([]int16, 0, n*d.factor)
	prev := d.prev
	for _, b := range raw {
		s := MulawToLinear(b)
		if d.factor == 1 {
			out = append(out, s)
		} else {
			diff := int32(s) - int32(prev)
			for k := 1; k <= d.factor; k++ {
				out = append(out, int16(int32(prev)+diff*int32(k)/int32(d.factor)))
			}
		}
		prev = s
	}
	d.prev = prev
	return out, nil
}

// Duration returns the playback length of n samples at the target rate.
func (d *Decoder) Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(d.targetRate)
}
