package att

import (
	"bytes"

	"github.com/pkg/errors"
)

// ShouldFragment reports whether value is too long for a single Write Request
// at the given MTU
func ShouldFragment(mtu int, value []byte) bool {
	if mtu < MinMTULE {
		mtu = MinMTULE
	}
	return len(value) > mtu-WriteHeader
}

// FragmentWrite splits a long value into Prepare Write Requests of at most
// mtu-5 value bytes each, with consecutive offsets
func FragmentWrite(handle uint16, value []byte, mtu int) ([]*PrepareWriteRequest, error) {
	if len(value) > MaxAttributeValue {
		return nil, errors.Wrapf(ErrValueTooLong, "%d bytes exceeds attribute maximum %d", len(value), MaxAttributeValue)
	}
	chunk := mtu - PrepareWriteHeader
	if chunk <= 0 {
		return nil, errors.Wrapf(ErrBadParameter, "mtu %d too small for prepare write", mtu)
	}

	var requests []*PrepareWriteRequest
	for offset := 0; offset < len(value); offset += chunk {
		end := offset + chunk
		if end > len(value) {
			end = len(value)
		}
		requests = append(requests, &PrepareWriteRequest{
			Handle: handle,
			Offset: uint16(offset),
			Value:  value[offset:end],
		})
	}
	return requests, nil
}

// Fragmenter tracks one long write: it checks every Prepare Write Response
// echoes the request that produced it and reassembles the echoed value.
type Fragmenter struct {
	handle   uint16
	want     []*PrepareWriteRequest
	received [][]byte
}

// NewFragmenter plans a long write of value to handle
func NewFragmenter(handle uint16, value []byte, mtu int) (*Fragmenter, error) {
	reqs, err := FragmentWrite(handle, value, mtu)
	if err != nil {
		return nil, err
	}
	return &Fragmenter{handle: handle, want: reqs}, nil
}

// Requests returns the planned Prepare Write Requests in order
func (f *Fragmenter) Requests() []*PrepareWriteRequest {
	return f.want
}

// Handle returns the attribute handle being written
func (f *Fragmenter) Handle() uint16 {
	return f.handle
}

// AddResponse records the next echoed fragment. The echo must match the
// request at the same position exactly; a mismatch means the server queued
// something else and the write must be cancelled.
func (f *Fragmenter) AddResponse(rsp *PrepareWriteResponse) error {
	if rsp == nil {
		return errors.Wrap(ErrBadParameter, "nil prepare write response")
	}
	i := len(f.received)
	if i >= len(f.want) {
		return errors.Wrapf(ErrMalformedPDU, "unexpected prepare write response #%d", i+1)
	}
	req := f.want[i]
	if rsp.Handle != req.Handle || rsp.Offset != req.Offset || !bytes.Equal(rsp.Value, req.Value) {
		return errors.Wrapf(ErrMalformedPDU, "prepare write echo mismatch at offset %d", req.Offset)
	}
	f.received = append(f.received, append([]byte(nil), rsp.Value...))
	return nil
}

// Done reports whether every fragment has been echoed
func (f *Fragmenter) Done() bool {
	return len(f.received) == len(f.want)
}

// Reassembled returns the echoed value so far
func (f *Fragmenter) Reassembled() []byte {
	return bytes.Join(f.received, nil)
}
