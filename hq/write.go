package hq

import (
	"errors"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

var (
	errEmptyDataFrame = errors.New("hq: DATA frame payload must be non-empty")
	errExternalPushID = errors.New("hq: push ID missing internal flag")
	errPrioritizeRoot = errors.New("hq: cannot prioritize the tree root")
	errGreaseIDIndex  = errors.New("hq: grease index out of range")
)

// A Framer writes frames to an underlying writer.
//
// Each Write method serializes one complete frame with exactly one
// Write to the underlying writer. If any field is out of the encodable
// range, the method fails before any output is produced. Writers always
// emit the minimal varint encoding for every field.
//
// It is the caller's responsibility not to call Write methods
// concurrently.
type Framer struct {
	w    io.Writer
	wbuf []byte // scratch for assembling frames before the single Write

	logWrites bool
}

// NewFramer returns a Framer that writes frames to w.
func NewFramer(w io.Writer) *Framer {
	return &Framer{
		w:         w,
		logWrites: logFrameWrites,
	}
}

// startWrite begins a frame by writing the common header for a payload
// of payloadLen bytes into the scratch buffer.
func (f *Framer) startWrite(t FrameType, payloadLen uint64) error {
	wbuf, err := appendFrameHeader(f.wbuf[:0], t, payloadLen)
	if err != nil {
		return err
	}
	f.wbuf = wbuf
	return nil
}

// endWrite flushes the assembled frame to the underlying writer.
func (f *Framer) endWrite() error {
	if f.logWrites {
		f.logWrite()
	}
	n, err := f.w.Write(f.wbuf)
	if err == nil && n != len(f.wbuf) {
		err = io.ErrShortWrite
	}
	return err
}

func (f *Framer) logWrite() {
	fh, n, err := parseFrameHeader(f.wbuf)
	if err != nil {
		debugLogger.Errorf("hq: Framer %p: failed to decode just-written frame header", f)
		return
	}
	debugLogger.Debugf("hq: Framer %p: wrote %v, %d payload bytes", f, fh, len(f.wbuf)-n)
}

// WriteData writes a DATA frame. Zero-length DATA frames are not legal
// on the wire, so data must be non-empty.
func (f *Framer) WriteData(data []byte) error {
	if len(data) == 0 {
		return errEmptyDataFrame
	}
	if err := f.startWrite(FrameTypeData, uint64(len(data))); err != nil {
		return err
	}
	f.wbuf = append(f.wbuf, data...)
	return f.endWrite()
}

// WriteUnframedBytes writes raw DATA payload bytes with no frame
// header, for the partially reliable streaming mode. The receiver must
// already have been switched into that mode by a DATA frame carrying
// the reserved sentinel length.
func (f *Framer) WriteUnframedBytes(data []byte) error {
	n, err := f.w.Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	return err
}

// WriteHeaders writes a HEADERS frame carrying an opaque compressed
// header block. An empty block is valid.
func (f *Framer) WriteHeaders(headerBlock []byte) error {
	if err := f.startWrite(FrameTypeHeaders, uint64(len(headerBlock))); err != nil {
		return err
	}
	f.wbuf = append(f.wbuf, headerBlock...)
	return f.endWrite()
}

// WritePriority writes a PRIORITY frame. The element dependency ID is
// only written when the dependency type is not PriorityTreeRoot.
func (f *Framer) WritePriority(p PriorityUpdate) error {
	if p.PrioritizedType == PriorityTreeRoot {
		return errPrioritizeRoot
	}
	if p.PrioritizedElementID > quicvarint.Max {
		return ErrValueTooLarge
	}
	payloadLen := uint64(2 + quicvarint.Len(p.PrioritizedElementID)) // flags + weight
	if p.DependencyType != PriorityTreeRoot {
		if p.ElementDependencyID > quicvarint.Max {
			return ErrValueTooLarge
		}
		payloadLen += uint64(quicvarint.Len(p.ElementDependencyID))
	}
	if err := f.startWrite(FrameTypePriority, payloadLen); err != nil {
		return err
	}
	f.wbuf = append(f.wbuf, encodePriorityFlags(p))
	f.wbuf = quicvarint.Append(f.wbuf, p.PrioritizedElementID)
	if p.DependencyType != PriorityTreeRoot {
		f.wbuf = quicvarint.Append(f.wbuf, p.ElementDependencyID)
	}
	f.wbuf = append(f.wbuf, p.Weight)
	return f.endWrite()
}

// WriteCancelPush writes a CANCEL_PUSH frame. id must be in the
// internal form; the in-memory flag is stripped before encoding.
func (f *Framer) WriteCancelPush(id PushID) error {
	return f.writePushIDFrame(FrameTypeCancelPush, id)
}

// WriteMaxPushID writes a MAX_PUSH_ID frame. id must be in the internal
// form; the in-memory flag is stripped before encoding.
func (f *Framer) WriteMaxPushID(id PushID) error {
	return f.writePushIDFrame(FrameTypeMaxPushID, id)
}

func (f *Framer) writePushIDFrame(t FrameType, id PushID) error {
	if !id.IsInternal() {
		return errExternalPushID
	}
	v := id.Wire()
	if v > quicvarint.Max {
		return ErrValueTooLarge
	}
	if err := f.startWrite(t, uint64(quicvarint.Len(v))); err != nil {
		return err
	}
	f.wbuf = quicvarint.Append(f.wbuf, v)
	return f.endWrite()
}

// WriteSettings writes a SETTINGS frame. Settings are written in the
// order given, including unrecognized extension identifiers.
func (f *Framer) WriteSettings(settings []Setting) error {
	var payloadLen uint64
	for _, s := range settings {
		if uint64(s.ID) > quicvarint.Max || s.Val > quicvarint.Max {
			return ErrValueTooLarge
		}
		payloadLen += uint64(quicvarint.Len(uint64(s.ID)) + quicvarint.Len(s.Val))
	}
	if err := f.startWrite(FrameTypeSettings, payloadLen); err != nil {
		return err
	}
	for _, s := range settings {
		f.wbuf = quicvarint.Append(f.wbuf, uint64(s.ID))
		f.wbuf = quicvarint.Append(f.wbuf, s.Val)
	}
	return f.endWrite()
}

// WritePushPromise writes a PUSH_PROMISE frame: the push ID followed by
// an opaque compressed header block. id must be in the internal form;
// the in-memory flag is stripped before encoding.
func (f *Framer) WritePushPromise(id PushID, headerBlock []byte) error {
	if !id.IsInternal() {
		return errExternalPushID
	}
	v := id.Wire()
	if v > quicvarint.Max {
		return ErrValueTooLarge
	}
	payloadLen := uint64(quicvarint.Len(v) + len(headerBlock))
	if err := f.startWrite(FrameTypePushPromise, payloadLen); err != nil {
		return err
	}
	f.wbuf = quicvarint.Append(f.wbuf, v)
	f.wbuf = append(f.wbuf, headerBlock...)
	return f.endWrite()
}

// WriteGoaway writes a GOAWAY frame carrying the last stream or push
// identifier the sender will process.
func (f *Framer) WriteGoaway(lastStreamID uint64) error {
	if lastStreamID > quicvarint.Max {
		return ErrValueTooLarge
	}
	if err := f.startWrite(FrameTypeGoaway, uint64(quicvarint.Len(lastStreamID))); err != nil {
		return err
	}
	f.wbuf = quicvarint.Append(f.wbuf, lastStreamID)
	return f.endWrite()
}

// WriteRawFrame writes a frame of an arbitrary type with an opaque
// payload. It permits emitting extension frames the package does not
// otherwise know about.
func (f *Framer) WriteRawFrame(t FrameType, payload []byte) error {
	if err := f.startWrite(t, uint64(len(payload))); err != nil {
		return err
	}
	f.wbuf = append(f.wbuf, payload...)
	return f.endWrite()
}

// WriteGreaseFrame writes the nth grease frame, an empty frame of a
// reserved unknown type that conforming peers must skip.
func (f *Framer) WriteGreaseFrame(n uint64) error {
	id, ok := greaseID(n)
	if !ok {
		return errGreaseIDIndex
	}
	return f.WriteRawFrame(FrameType(id), nil)
}
