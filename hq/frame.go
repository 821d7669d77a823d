package hq

import (
	"bytes"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// A FrameHeader is the two-field header common to all frames. Both
// fields are encoded as variable-length integers on the wire:
//
//	type (i) | length (i) | payload (length bytes)
//
// Unknown frame types are structurally skippable by length alone, which
// is the forward-compatibility contract extension frames rely on.
type FrameHeader struct {
	valid bool // caller can access []byte fields in the Frame

	// Type is the frame type. Known types are parsed into their typed
	// Frame; unknown types are skipped by the FramedCodec.
	Type FrameType

	// Length is the length of the frame payload, not including the
	// header. It is a 62-bit value bounded by the varint encoding.
	Length uint64
}

func (h FrameHeader) Header() FrameHeader { return h }

func (h FrameHeader) String() string {
	var buf bytes.Buffer
	buf.WriteString("[FrameHeader ")
	h.writeDebug(&buf)
	buf.WriteByte(']')
	return buf.String()
}

func (h FrameHeader) writeDebug(buf *bytes.Buffer) {
	buf.WriteString(h.Type.String())
	fmt.Fprintf(buf, " len=%d", h.Length)
}

func (h *FrameHeader) checkValid() {
	if !h.valid {
		panic("Frame accessor called on non-owned Frame")
	}
}

func (h *FrameHeader) invalidate() { h.valid = false }

// parseFrameHeader decodes the common frame header from the front of b
// and returns it along with the number of bytes consumed. If either
// varint is incomplete in the available bytes it returns
// errNeedMoreData and consumes nothing, so the caller can retry once
// more bytes arrive.
func parseFrameHeader(b []byte) (FrameHeader, int, error) {
	t, n, err := quicvarint.Parse(b)
	if err != nil {
		return FrameHeader{}, 0, errNeedMoreData
	}
	length, m, err := quicvarint.Parse(b[n:])
	if err != nil {
		return FrameHeader{}, 0, errNeedMoreData
	}
	return FrameHeader{valid: true, Type: FrameType(t), Length: length}, n + m, nil
}

// appendFrameHeader appends the minimal encoding of the common frame
// header to b. It fails without touching b if either field exceeds the
// representable varint range.
func appendFrameHeader(b []byte, t FrameType, length uint64) ([]byte, error) {
	if uint64(t) > quicvarint.Max || length > quicvarint.Max {
		return b, ErrValueTooLarge
	}
	b = quicvarint.Append(b, uint64(t))
	return quicvarint.Append(b, length), nil
}

// A Frame is the base interface implemented by all frame types.
// Callers will generally type-assert the specific frame type:
// *DataFrame, *SettingsFrame, *GoawayFrame, etc.
//
// Frames and any byte slices they expose are only valid until the
// FramedCodec delivers the next frame: payload views alias the ingress
// buffer rather than copying it.
type Frame interface {
	Header() FrameHeader

	// invalidate is called by the FramedCodec before delivering the
	// next frame, to mark this frame's buffers as no longer owned.
	invalidate()
}

// A frameParser parses a frame given its FrameHeader and payload
// bytes. The length of payload always equals fh.Length (which might be
// 0), guaranteed by the FramedCodec before the parser is invoked.
type frameParser func(fh FrameHeader, payload []byte) (Frame, error)

var frameParsers = map[FrameType]frameParser{
	FrameTypeData:        parseDataFrame,
	FrameTypeHeaders:     parseHeadersFrame,
	FrameTypePriority:    parsePriorityFrame,
	FrameTypeCancelPush:  parseCancelPushFrame,
	FrameTypeSettings:    parseSettingsFrame,
	FrameTypePushPromise: parsePushPromiseFrame,
	FrameTypeGoaway:      parseGoawayFrame,
	FrameTypeMaxPushID:   parseMaxPushIDFrame,
}

// typeFrameParser returns the parser for frames of type t, or nil for
// unknown types, which the FramedCodec skips by length.
func typeFrameParser(t FrameType) frameParser {
	return frameParsers[t]
}

// A DataFrame conveys arbitrary, variable-length sequences of octets
// associated with a stream, carrying request or response payloads.
//
// A single wire-level DATA frame may be delivered as several DataFrames
// when its payload arrives across multiple ingress calls; the Length of
// each synthesized header covers only the chunk delivered with it.
type DataFrame struct {
	FrameHeader
	data []byte
}

// Data returns the frame's payload octets. The returned slice aliases
// the ingress buffer and must not be retained past the delivery of the
// next frame.
func (f *DataFrame) Data() []byte {
	f.checkValid()
	return f.data
}

func parseDataFrame(fh FrameHeader, payload []byte) (Frame, error) {
	if len(payload) == 0 {
		// DATA frames MUST contain a non-zero-length payload.
		return nil, connError{ErrCodeMalformedFrameData, "zero-length DATA frame"}
	}
	return &DataFrame{FrameHeader: fh, data: payload}, nil
}

// A HeadersFrame carries a compressed header block destined for the
// header decompression engine. Zero-length HEADERS frames are valid,
// e.g. for empty trailer sections.
type HeadersFrame struct {
	FrameHeader
	headerFragment []byte
}

// HeaderBlockFragment returns the opaque compressed header block. The
// returned slice aliases the ingress buffer and must not be retained
// past the delivery of the next frame.
func (f *HeadersFrame) HeaderBlockFragment() []byte {
	f.checkValid()
	return f.headerFragment
}

func parseHeadersFrame(fh FrameHeader, payload []byte) (Frame, error) {
	return &HeadersFrame{FrameHeader: fh, headerFragment: payload}, nil
}

// A PriorityFrame reprioritizes an element of the dependency tree.
type PriorityFrame struct {
	FrameHeader
	PriorityUpdate
}

func parsePriorityFrame(fh FrameHeader, payload []byte) (Frame, error) {
	malformed := connError{ErrCodeMalformedFramePriority, "malformed PRIORITY frame"}
	if len(payload) < 1 {
		return nil, malformed
	}
	var p PriorityUpdate
	if !decodePriorityFlags(payload[0], &p) {
		// The 3 reserved flag bits MUST be zero.
		return nil, malformed
	}
	if p.PrioritizedType == PriorityTreeRoot {
		// The root of the tree cannot be prioritized.
		return nil, malformed
	}
	payload = payload[1:]

	id, n, err := quicvarint.Parse(payload)
	if err != nil {
		return nil, malformed
	}
	p.PrioritizedElementID = id
	payload = payload[n:]

	if p.DependencyType != PriorityTreeRoot {
		id, n, err := quicvarint.Parse(payload)
		if err != nil {
			return nil, malformed
		}
		p.ElementDependencyID = id
		payload = payload[n:]
	}

	if len(payload) != 1 {
		// Exactly the 1-byte weight field must remain.
		return nil, malformed
	}
	p.Weight = payload[0]
	return &PriorityFrame{FrameHeader: fh, PriorityUpdate: p}, nil
}

// A CancelPushFrame abandons a previously promised push.
type CancelPushFrame struct {
	FrameHeader
	PushID PushID
}

func parseCancelPushFrame(fh FrameHeader, payload []byte) (Frame, error) {
	v, n, err := quicvarint.Parse(payload)
	if err != nil || n != len(payload) {
		return nil, connError{ErrCodeMalformedFrameCancelPush, "malformed CANCEL_PUSH frame"}
	}
	return &CancelPushFrame{FrameHeader: fh, PushID: PushIDFromWire(v)}, nil
}

// A SettingsFrame conveys configuration parameters. Pairs whose
// identifier is not in the recognized set are consumed off the wire but
// absent from Settings, preserving forward compatibility with unknown
// extension settings.
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

// Value returns the value of the setting with the given ID, if present.
func (f *SettingsFrame) Value(id SettingID) (uint64, bool) {
	for _, s := range f.Settings {
		if s.ID == id {
			return s.Val, true
		}
	}
	return 0, false
}

func parseSettingsFrame(fh FrameHeader, payload []byte) (Frame, error) {
	f := &SettingsFrame{FrameHeader: fh}
	for len(payload) > 0 {
		id, n, err := quicvarint.Parse(payload)
		if err != nil {
			return nil, connError{ErrCodeMalformedFrameSettings, "malformed SETTINGS identifier"}
		}
		payload = payload[n:]
		val, n, err := quicvarint.Parse(payload)
		if err != nil {
			return nil, connError{ErrCodeMalformedFrameSettings, "malformed SETTINGS value"}
		}
		payload = payload[n:]
		if sid := SettingID(id); settingRecognized(sid) {
			f.Settings = append(f.Settings, Setting{ID: sid, Val: val})
		}
	}
	return f, nil
}

// A PushPromiseFrame announces a server push: a push ID followed by the
// compressed header block of the promised request.
type PushPromiseFrame struct {
	FrameHeader
	PushID         PushID
	headerFragment []byte
}

// HeaderBlockFragment returns the opaque compressed header block. The
// returned slice aliases the ingress buffer and must not be retained
// past the delivery of the next frame.
func (f *PushPromiseFrame) HeaderBlockFragment() []byte {
	f.checkValid()
	return f.headerFragment
}

func parsePushPromiseFrame(fh FrameHeader, payload []byte) (Frame, error) {
	v, n, err := quicvarint.Parse(payload)
	if err != nil {
		return nil, connError{ErrCodeMalformedFramePushPromise, "malformed PUSH_PROMISE frame"}
	}
	return &PushPromiseFrame{
		FrameHeader:    fh,
		PushID:         PushIDFromWire(v),
		headerFragment: payload[n:],
	}, nil
}

// A GoawayFrame initiates graceful connection shutdown, carrying the
// last stream or push identifier the sender will process.
type GoawayFrame struct {
	FrameHeader
	LastStreamID uint64
}

func parseGoawayFrame(fh FrameHeader, payload []byte) (Frame, error) {
	v, n, err := quicvarint.Parse(payload)
	if err != nil || n != len(payload) {
		return nil, connError{ErrCodeMalformedFrameGoaway, "malformed GOAWAY frame"}
	}
	return &GoawayFrame{FrameHeader: fh, LastStreamID: v}, nil
}

// A MaxPushIDFrame raises the limit on push IDs the server may use.
type MaxPushIDFrame struct {
	FrameHeader
	MaxPushID PushID
}

func parseMaxPushIDFrame(fh FrameHeader, payload []byte) (Frame, error) {
	v, n, err := quicvarint.Parse(payload)
	if err != nil || n != len(payload) {
		return nil, connError{ErrCodeMalformedFrameMaxPushID, "malformed MAX_PUSH_ID frame"}
	}
	return &MaxPushIDFrame{FrameHeader: fh, MaxPushID: PushIDFromWire(v)}, nil
}

// summarizeFrame returns a compact human-readable description of f,
// used by the debug loggers.
func summarizeFrame(f Frame) string {
	var buf bytes.Buffer
	f.Header().writeDebug(&buf)
	switch f := f.(type) {
	case *DataFrame:
		data := f.Data()
		const max = 256
		if len(data) > max {
			data = data[:max]
		}
		fmt.Fprintf(&buf, " data=%q", data)
		if int(f.Length) > max {
			fmt.Fprintf(&buf, " (%d bytes omitted)", int(f.Length)-max)
		}
	case *PriorityFrame:
		fmt.Fprintf(&buf, " prioritized=%v/%d dependency=%v/%d weight=%d exclusive=%v",
			f.PrioritizedType, f.PrioritizedElementID,
			f.DependencyType, f.ElementDependencyID,
			f.Weight, f.Exclusive)
	case *CancelPushFrame:
		fmt.Fprintf(&buf, " pushid=%d", f.PushID.Wire())
	case *SettingsFrame:
		for _, s := range f.Settings {
			fmt.Fprintf(&buf, " %v", s)
		}
	case *PushPromiseFrame:
		fmt.Fprintf(&buf, " pushid=%d headerlen=%d", f.PushID.Wire(), len(f.headerFragment))
	case *GoawayFrame:
		fmt.Fprintf(&buf, " laststreamid=%d", f.LastStreamID)
	case *MaxPushIDFrame:
		fmt.Fprintf(&buf, " maxpushid=%d", f.MaxPushID.Wire())
	}
	return buf.String()
}
