package hq

import (
	"errors"
	"fmt"
)

// An ErrCode is an HTTP/3-style error code carried by connection-level
// failures.
type ErrCode uint64

const (
	ErrCodeNoError         ErrCode = 0x0
	ErrCodeGeneralProtocol ErrCode = 0x1
	ErrCodeInternal        ErrCode = 0x3
	ErrCodeWrongStream     ErrCode = 0x8
)

// Malformed-frame codes occupy a dedicated range offset by the frame
// type, so diagnostics identify exactly which frame type failed.
const errCodeMalformedFrame ErrCode = 0x100

const (
	ErrCodeMalformedFrameData        = errCodeMalformedFrame + ErrCode(FrameTypeData)
	ErrCodeMalformedFrameHeaders     = errCodeMalformedFrame + ErrCode(FrameTypeHeaders)
	ErrCodeMalformedFramePriority    = errCodeMalformedFrame + ErrCode(FrameTypePriority)
	ErrCodeMalformedFrameCancelPush  = errCodeMalformedFrame + ErrCode(FrameTypeCancelPush)
	ErrCodeMalformedFrameSettings    = errCodeMalformedFrame + ErrCode(FrameTypeSettings)
	ErrCodeMalformedFramePushPromise = errCodeMalformedFrame + ErrCode(FrameTypePushPromise)
	ErrCodeMalformedFrameGoaway      = errCodeMalformedFrame + ErrCode(FrameTypeGoaway)
	ErrCodeMalformedFrameMaxPushID   = errCodeMalformedFrame + ErrCode(FrameTypeMaxPushID)
)

var errCodeName = map[ErrCode]string{
	ErrCodeNoError:                   "NO_ERROR",
	ErrCodeGeneralProtocol:           "GENERAL_PROTOCOL_ERROR",
	ErrCodeInternal:                  "INTERNAL_ERROR",
	ErrCodeWrongStream:               "WRONG_STREAM",
	ErrCodeMalformedFrameData:        "MALFORMED_FRAME_DATA",
	ErrCodeMalformedFrameHeaders:     "MALFORMED_FRAME_HEADERS",
	ErrCodeMalformedFramePriority:    "MALFORMED_FRAME_PRIORITY",
	ErrCodeMalformedFrameCancelPush:  "MALFORMED_FRAME_CANCEL_PUSH",
	ErrCodeMalformedFrameSettings:    "MALFORMED_FRAME_SETTINGS",
	ErrCodeMalformedFramePushPromise: "MALFORMED_FRAME_PUSH_PROMISE",
	ErrCodeMalformedFrameGoaway:      "MALFORMED_FRAME_GOAWAY",
	ErrCodeMalformedFrameMaxPushID:   "MALFORMED_FRAME_MAX_PUSH_ID",
}

func (e ErrCode) String() string {
	if s, ok := errCodeName[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown error code %#x", uint64(e))
}

// ConnectionError is an error that results in the termination of the
// entire connection.
type ConnectionError ErrCode

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s", ErrCode(e))
}

// connError represents an HTTP/3-level connection error paired with a
// reason describing the offending frame bytes.
type connError struct {
	Code   ErrCode
	Reason string
}

func (e connError) Error() string {
	return fmt.Sprintf("connection error: %s: %s", e.Code, e.Reason)
}

// errNeedMoreData signals that the available bytes end in the middle of
// a field. It is not a protocol error: the parser pauses without
// consuming anything and retries once more bytes arrive. It is never
// surfaced through the error callback.
var errNeedMoreData = errors.New("hq: need more data")

// ErrValueTooLarge is returned by writers when a field value exceeds
// the 62-bit range representable by the varint encoding. The writer
// aborts before any output is produced.
var ErrValueTooLarge = errors.New("hq: value exceeds varint range")
