// Package hq implements the framing layer of an HTTP/3-style protocol
// carried over a stream-multiplexed transport.
//
// The package parses and serializes the length-prefixed frame format
// (DATA, HEADERS, PRIORITY, CANCEL_PUSH, SETTINGS, PUSH_PROMISE, GOAWAY
// and MAX_PUSH_ID frames), drives a resumable ingress state machine over
// bytes arriving in arbitrary chunks, and validates decoded header field
// sequences as they are streamed out of the compression engine.
//
// The underlying transport, the QPACK/HPACK engines and the TLS stack
// are external collaborators: the transport feeds raw bytes into a
// FramedCodec and receives frame bytes from a Framer, while the
// compression engine feeds decoded fields into a HeaderDecodeInfo.
package hq

import (
	"fmt"
	"os"
	"strings"

	"github.com/quic-go/quic-go/quicvarint"
	"go.uber.org/zap"
)

var (
	VerboseLogs    bool
	logFrameReads  bool
	logFrameWrites bool

	debugLogger = zap.NewNop().Sugar()
)

func init() {
	e := os.Getenv("GODEBUG")
	if strings.Contains(e, "hqdebug=1") {
		VerboseLogs = true
	}
	if strings.Contains(e, "hqdebug=2") {
		VerboseLogs = true
		logFrameReads = true
		logFrameWrites = true
	}
	if VerboseLogs {
		debugLogger = zap.Must(zap.NewDevelopment()).Sugar()
	}
}

// A FrameType is a frame type identifier as it appears on the wire, in
// the type field of the common frame header.
type FrameType uint64

const (
	FrameTypeData        FrameType = 0x0
	FrameTypeHeaders     FrameType = 0x1
	FrameTypePriority    FrameType = 0x2
	FrameTypeCancelPush  FrameType = 0x3
	FrameTypeSettings    FrameType = 0x4
	FrameTypePushPromise FrameType = 0x5
	FrameTypeGoaway      FrameType = 0x7
	FrameTypeMaxPushID   FrameType = 0xd
)

var frameName = map[FrameType]string{
	FrameTypeData:        "DATA",
	FrameTypeHeaders:     "HEADERS",
	FrameTypePriority:    "PRIORITY",
	FrameTypeCancelPush:  "CANCEL_PUSH",
	FrameTypeSettings:    "SETTINGS",
	FrameTypePushPromise: "PUSH_PROMISE",
	FrameTypeGoaway:      "GOAWAY",
	FrameTypeMaxPushID:   "MAX_PUSH_ID",
}

func (t FrameType) String() string {
	if s, ok := frameName[t]; ok {
		return s
	}
	if isGreaseID(uint64(t)) {
		return "GREASE"
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint64(t))
}

// Grease frame types occupy the identifier pattern 0x1f*N + 0x21. They
// are deliberately reserved so that peers keep exercising the
// unknown-frame-skipping path extension frames rely on.

const maxGreaseIDIndex = (quicvarint.Max - 0x21) / 0x1f

func isGreaseID(id uint64) bool {
	if id < 0x21 || id > quicvarint.Max {
		return false
	}
	return (id-0x21)%0x1f == 0
}

// greaseID returns the nth grease frame type identifier.
func greaseID(n uint64) (uint64, bool) {
	if n > maxGreaseIDIndex {
		return 0, false
	}
	return 0x1f*n + 0x21, true
}

// A SettingID is a setting identifier as it appears in the payload of a
// SETTINGS frame.
type SettingID uint64

const (
	SettingHeaderTableSize     SettingID = 0x1
	SettingMaxHeaderListSize   SettingID = 0x6
	SettingQPACKBlockedStreams SettingID = 0x7
	SettingNumPlaceholders     SettingID = 0x9
)

var settingName = map[SettingID]string{
	SettingHeaderTableSize:     "HEADER_TABLE_SIZE",
	SettingMaxHeaderListSize:   "MAX_HEADER_LIST_SIZE",
	SettingQPACKBlockedStreams: "QPACK_BLOCKED_STREAMS",
	SettingNumPlaceholders:     "NUM_PLACEHOLDERS",
}

func (s SettingID) String() string {
	if v, ok := settingName[s]; ok {
		return v
	}
	return fmt.Sprintf("UNKNOWN_SETTING_%d", uint64(s))
}

// settingRecognized reports whether id belongs to the recognized
// setting set. Pairs with unrecognized identifiers are decoded to
// consume the correct number of payload bytes, then discarded.
func settingRecognized(id SettingID) bool {
	switch id {
	case SettingHeaderTableSize, SettingMaxHeaderListSize,
		SettingQPACKBlockedStreams, SettingNumPlaceholders:
		return true
	}
	return false
}

// Setting is a setting parameter: which setting it is, and its value.
type Setting struct {
	ID  SettingID
	Val uint64
}

func (s Setting) String() string {
	return fmt.Sprintf("[%v = %d]", s.ID, s.Val)
}

// A PushID identifies a server-initiated push resource.
//
// The in-memory form always carries bit 63, which the 62-bit wire
// encoding cannot represent. The bit disambiguates push IDs from other
// stream-scoped identifiers inside the session and must never reach the
// wire: parsers set it, writers strip it.
type PushID uint64

const pushIDFlag = 1 << 63

// PushIDFromWire converts a push ID read off the wire to its in-memory
// form.
func PushIDFromWire(v uint64) PushID { return PushID(v | pushIDFlag) }

// Wire converts id to its wire form, dropping the in-memory flag.
func (id PushID) Wire() uint64 { return uint64(id) &^ pushIDFlag }

func (id PushID) IsInternal() bool { return uint64(id)&pushIDFlag != 0 }
func (id PushID) IsExternal() bool { return !id.IsInternal() }

func (id PushID) String() string {
	return fmt.Sprintf("PushID(%d)", id.Wire())
}

// A PriorityElementType identifies the kind of element a PRIORITY frame
// refers to, both for the prioritized element and its dependency.
type PriorityElementType uint8

const (
	PriorityRequestStream PriorityElementType = 0x0
	PriorityPushStream    PriorityElementType = 0x1
	PriorityPlaceholder   PriorityElementType = 0x2
	PriorityTreeRoot      PriorityElementType = 0x3
)

var priorityElementName = map[PriorityElementType]string{
	PriorityRequestStream: "REQUEST_STREAM",
	PriorityPushStream:    "PUSH_STREAM",
	PriorityPlaceholder:   "PLACEHOLDER",
	PriorityTreeRoot:      "TREE_ROOT",
}

func (t PriorityElementType) String() string {
	if s, ok := priorityElementName[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_ELEMENT_TYPE_%d", uint8(t))
}

// A PriorityUpdate is the decoded payload of a PRIORITY frame.
//
// ElementDependencyID is only present on the wire when DependencyType
// is not PriorityTreeRoot. PrioritizedType must never be
// PriorityTreeRoot: the root of the tree cannot itself be prioritized.
type PriorityUpdate struct {
	PrioritizedType      PriorityElementType
	DependencyType       PriorityElementType
	PrioritizedElementID uint64
	ElementDependencyID  uint64
	Weight               uint8
	Exclusive            bool
}

// PRIORITY flags byte layout: 2 bits prioritized element type, 2 bits
// dependency type, 1 exclusive bit, 3 reserved bits that must be zero.
const (
	prioritizedTypePos    = 6
	dependencyTypePos     = 4
	priorityExclusiveMask = 0x08
	priorityReservedMask  = 0x07
)

func encodePriorityFlags(p PriorityUpdate) byte {
	flags := byte(p.PrioritizedType) << prioritizedTypePos
	flags |= byte(p.DependencyType) << dependencyTypePos
	if p.Exclusive {
		flags |= priorityExclusiveMask
	}
	return flags
}

// decodePriorityFlags unpacks a PRIORITY flags byte into p and reports
// whether the reserved bits were clear.
func decodePriorityFlags(flags byte, p *PriorityUpdate) bool {
	p.PrioritizedType = PriorityElementType(flags >> prioritizedTypePos & 0x03)
	p.DependencyType = PriorityElementType(flags >> dependencyTypePos & 0x03)
	p.Exclusive = flags&priorityExclusiveMask != 0
	return flags&priorityReservedMask == 0
}

// SessionStreamID is the stream ID reported with connection-level
// errors, which are not attributable to any single stream.
const SessionStreamID = ^uint64(0)

// unframedDataFrameLen is the reserved DATA frame length that switches
// the ingress parser into the unframed, partially reliable streaming
// mode when the transport supports it.
const unframedDataFrameLen = 0
