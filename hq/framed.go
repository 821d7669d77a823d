package hq

import "github.com/quic-go/quic-go/quicvarint"

// frameState tracks where in the frame grammar the ingress parser
// currently is. The states cycle per frame:
//
//	headerType -> headerLength -> payload | payloadStreaming -> headerType
//
// except for the partially reliable streaming state, which the machine
// never leaves on its own: the transport's reliable-stream boundary
// signal drives that exit externally.
type frameState uint8

const (
	stateFrameHeaderType frameState = iota
	stateFrameHeaderLength
	stateFramePayload
	stateFramePayloadStreaming
	stateFramePayloadPartiallyReliableStreaming
)

// A FrameCallback is implemented by the upper protocol layer to observe
// frame boundaries and connection failure.
type FrameCallback interface {
	// OnFrameHeader is invoked once per frame as soon as its header has
	// been parsed, regardless of the eventual parse outcome of the
	// body. HQ frames carry no flags, so flags is always zero.
	OnFrameHeader(streamID uint64, flags uint8, length uint64, frameType uint64)

	// OnError is invoked exactly once when a connection error is
	// recorded. streamID is SessionStreamID for connection-level
	// failures.
	OnError(streamID uint64, err error, ingressOnly bool)
}

// A FrameHandler consumes completed frames. A non-nil error becomes the
// terminal connection error for the parsing session.
type FrameHandler interface {
	ProcessFrame(f Frame) error
}

// An UnframedDataHandler consumes DATA payload bytes delivered in the
// unframed, partially reliable streaming mode. Configuring one on a
// FramedCodec declares that the transport supports partial reliability.
type UnframedDataHandler interface {
	// OnUnframedDataStarted is invoked when an unframed DATA body
	// begins, with the stream offset at which the body starts.
	OnUnframedDataStarted(streamOffset uint64)

	// OnUnframedData consumes all currently available body bytes. A
	// non-nil error becomes the terminal connection error.
	OnUnframedData(data []byte) error
}

// A FramedCodec is the streaming ingress parser for one stream. It is
// fed raw transport bytes via OnFramedIngress, possibly a partial frame
// at a time, and dispatches parsed frames to its handler.
//
// A FramedCodec is not safe for concurrent use: each stream owns
// exactly one codec and feeds it sequentially.
type FramedCodec struct {
	streamID uint64
	handler  FrameHandler
	callback FrameCallback

	// checkFrameAllowed enforces which frame types are legal on the
	// stream role this codec parses for (control vs request vs push).
	// A non-nil result immediately becomes the connection error. A nil
	// func allows every type.
	checkFrameAllowed func(FrameType) error

	unframed UnframedDataHandler

	frameState            frameState
	curHeader             FrameHeader
	lastFrame             Frame
	pendingDataFrameBytes uint64
	totalBytesParsed      uint64
	receivedFrameCount    uint64
	connErr               error
	paused                bool
}

// NewFramedCodec returns a codec parsing frames arriving on the stream
// identified by streamID. handler, callback and checkFrameAllowed may
// each be nil.
func NewFramedCodec(streamID uint64, handler FrameHandler, callback FrameCallback, checkFrameAllowed func(FrameType) error) *FramedCodec {
	return &FramedCodec{
		streamID:          streamID,
		handler:           handler,
		callback:          callback,
		checkFrameAllowed: checkFrameAllowed,
	}
}

// SetUnframedDataHandler enables the partially reliable streaming mode:
// a DATA frame carrying the reserved sentinel length hands the rest of
// the stream to h.
func (c *FramedCodec) SetUnframedDataHandler(h UnframedDataHandler) {
	c.unframed = h
}

// SetParserPaused stops or resumes parsing progress. While paused the
// codec consumes nothing, even if more bytes are supplied.
func (c *FramedCodec) SetParserPaused(paused bool) { c.paused = paused }

func (c *FramedCodec) Paused() bool { return c.paused }

// Err returns the recorded connection error, if any. Once set it is
// sticky: all further ingress is suppressed.
func (c *FramedCodec) Err() error { return c.connErr }

func (c *FramedCodec) StreamID() uint64 { return c.streamID }

// TotalBytesParsed returns the number of stream bytes consumed since
// the codec was created.
func (c *FramedCodec) TotalBytesParsed() uint64 { return c.totalBytesParsed }

// ReceivedFrameCount returns the number of frame headers parsed so far.
func (c *FramedCodec) ReceivedFrameCount() uint64 { return c.receivedFrameCount }

// OnFramedIngress consumes as much of buf as the frame grammar and the
// configured handlers allow and returns the number of bytes consumed.
// The caller retains unconsumed bytes and re-presents them, together
// with newly arrived bytes, on the next call.
//
// The call is a no-op returning zero once a connection error has been
// recorded or while the parser is paused.
func (c *FramedCodec) OnFramedIngress(buf []byte) int {
	// A failed codec stays failed; ingress after the error callback is
	// ignored entirely.
	if c.connErr != nil {
		return 0
	}
	var parsedTot int
loop:
	for c.connErr == nil && len(buf) > 0 && !c.paused {
		var parsed int
		switch c.frameState {
		case stateFrameHeaderType:
			t, n, err := quicvarint.Parse(buf)
			if err != nil {
				break loop // incomplete varint, wait for more bytes
			}
			c.curHeader = FrameHeader{valid: true, Type: FrameType(t)}
			parsed = n
			if c.checkFrameAllowed != nil {
				if err := c.checkFrameAllowed(c.curHeader.Type); err != nil {
					debugLogger.Debugf("hq: frame type %#x not allowed on stream %d",
						t, c.streamID)
					c.connErr = err
					break loop
				}
			}
			c.frameState = stateFrameHeaderLength

		case stateFrameHeaderLength:
			length, n, err := quicvarint.Parse(buf)
			if err != nil {
				break loop
			}
			c.curHeader.Length = length
			parsed = n
			if c.callback != nil {
				c.callback.OnFrameHeader(c.streamID, 0, length, uint64(c.curHeader.Type))
			}
			c.receivedFrameCount++
			c.pendingDataFrameBytes = length
			// Regardless of the length we move on to the payload: a
			// zero length is allowed for some frames (HEADERS, DATA in
			// the partially reliable mode) and rejected for others
			// (DATA), so accepting the frame is up to the body parser.
			switch {
			case c.curHeader.Type == FrameTypeData && c.unframed != nil &&
				length == unframedDataFrameLen:
				c.frameState = stateFramePayloadPartiallyReliableStreaming
				c.unframed.OnUnframedDataStarted(c.totalBytesParsed + uint64(parsed))
			case c.curHeader.Type == FrameTypeData:
				c.frameState = stateFramePayloadStreaming
			default:
				c.frameState = stateFramePayload
			}

		case stateFramePayload:
			// Non-DATA bodies are bounded and typically small, so they
			// are parsed only once fully available.
			if uint64(len(buf)) < c.curHeader.Length {
				break loop
			}
			c.connErr = c.parseFrame(buf[:c.curHeader.Length])
			parsed = int(c.curHeader.Length)
			c.frameState = stateFrameHeaderType

		case stateFramePayloadStreaming:
			// A DATA payload is delivered chunk by chunk as it arrives,
			// without buffering the whole frame.
			n := uint64(len(buf))
			if n > c.pendingDataFrameBytes {
				n = c.pendingDataFrameBytes
			}
			aux := FrameHeader{valid: true, Type: FrameTypeData, Length: n}
			f, err := parseDataFrame(aux, buf[:n])
			if err != nil {
				c.connErr = err
			} else {
				c.connErr = c.deliverFrame(f)
			}
			parsed = int(n)
			c.pendingDataFrameBytes -= n
			if c.pendingDataFrameBytes == 0 {
				c.frameState = stateFrameHeaderType
			}

		case stateFramePayloadPartiallyReliableStreaming:
			// No exit back to the frame grammar from here: the
			// transport's reliable-stream boundary ends this mode.
			c.connErr = c.unframed.OnUnframedData(buf)
			parsed = len(buf)
		}
		buf = buf[parsed:]
		parsedTot += parsed
		c.totalBytesParsed += uint64(parsed)
	}
	c.checkConnectionError()
	return parsedTot
}

// parseFrame dispatches a completed payload to the parser matching the
// current frame type. Unknown types are skipped without interpretation.
func (c *FramedCodec) parseFrame(payload []byte) error {
	parse := typeFrameParser(c.curHeader.Type)
	if parse == nil {
		// Implementations MUST ignore and discard any frame that has
		// an unknown type.
		if logFrameReads {
			debugLogger.Debugf("hq: stream %d: skipping frame (type=%#x, len=%d)",
				c.streamID, uint64(c.curHeader.Type), c.curHeader.Length)
		}
		return nil
	}
	f, err := parse(c.curHeader, payload)
	if err != nil {
		return err
	}
	return c.deliverFrame(f)
}

func (c *FramedCodec) deliverFrame(f Frame) error {
	if c.lastFrame != nil {
		// The previous frame's payload views alias buffer space that
		// is being handed back to the transport.
		c.lastFrame.invalidate()
	}
	c.lastFrame = f
	if logFrameReads {
		debugLogger.Debugf("hq: stream %d: read %v", c.streamID, summarizeFrame(f))
	}
	if c.handler == nil {
		return nil
	}
	return c.handler.ProcessFrame(f)
}

// checkConnectionError pauses the parser and notifies the callback when
// a connection error has been recorded. The notification fires exactly
// once: subsequent ingress calls return early before reaching here.
func (c *FramedCodec) checkConnectionError() {
	if c.connErr == nil {
		return
	}
	debugLogger.Debugf("hq: stream %d: connection error: %v", c.streamID, c.connErr)
	c.SetParserPaused(true)
	if c.callback != nil {
		c.callback.OnError(SessionStreamID, c.connErr, false)
	}
}
