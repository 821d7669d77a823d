package hq

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

// eventRecorder implements the codec's collaborator interfaces and
// records every callback as a string, so tests can compare whole
// callback sequences. Consecutive DATA chunks of one frame are
// coalesced into a single event: chunking is an artifact of buffer
// boundaries, not of the frame sequence.
type eventRecorder struct {
	events []string
}

func (r *eventRecorder) OnFrameHeader(streamID uint64, flags uint8, length uint64, frameType uint64) {
	r.events = append(r.events,
		fmt.Sprintf("header stream=%d flags=%d type=%#x len=%d", streamID, flags, frameType, length))
}

func (r *eventRecorder) OnError(streamID uint64, err error, ingressOnly bool) {
	r.events = append(r.events,
		fmt.Sprintf("error stream=%d err=%q ingressOnly=%v", streamID, err, ingressOnly))
}

func (r *eventRecorder) ProcessFrame(f Frame) error {
	if df, ok := f.(*DataFrame); ok {
		chunk := string(df.Data())
		if n := len(r.events); n > 0 && strings.HasPrefix(r.events[n-1], "data ") {
			r.events[n-1] += chunk
			return nil
		}
		r.events = append(r.events, "data "+chunk)
		return nil
	}
	r.events = append(r.events, "frame "+summarizeFrame(f))
	return nil
}

func (r *eventRecorder) OnUnframedDataStarted(streamOffset uint64) {
	r.events = append(r.events, fmt.Sprintf("unframed-start off=%d", streamOffset))
}

func (r *eventRecorder) OnUnframedData(data []byte) error {
	if n := len(r.events); n > 0 && strings.HasPrefix(r.events[n-1], "unframed ") {
		r.events[n-1] += string(data)
		return nil
	}
	r.events = append(r.events, "unframed "+string(data))
	return nil
}

// multiFrameBuffer builds a buffer holding one frame of every type the
// writer can produce, including a grease frame and an unknown extension
// frame.
func multiFrameBuffer(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	fr := NewFramer(&buf)
	steps := []func() error{
		func() error {
			return fr.WriteSettings([]Setting{{SettingHeaderTableSize, 4096}})
		},
		func() error { return fr.WriteHeaders([]byte{0xab, 0xcd}) },
		func() error { return fr.WriteData([]byte("hello world")) },
		func() error { return fr.WriteGreaseFrame(0) },
		func() error { return fr.WriteRawFrame(FrameType(0x22), []byte{1, 2, 3}) },
		func() error { return fr.WritePushPromise(PushIDFromWire(3), []byte{0x99}) },
		func() error {
			return fr.WritePriority(PriorityUpdate{
				PrioritizedType:      PriorityRequestStream,
				DependencyType:       PriorityTreeRoot,
				PrioritizedElementID: 8,
				Weight:               16,
			})
		},
		func() error { return fr.WriteCancelPush(PushIDFromWire(3)) },
		func() error { return fr.WriteMaxPushID(PushIDFromWire(9)) },
		func() error { return fr.WriteGoaway(12) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	return buf.Bytes()
}

// feedInChunks drives a codec with the caller-retains-unconsumed-bytes
// protocol: each call presents the unconsumed tail plus up to chunkSize
// fresh bytes.
func feedInChunks(c *FramedCodec, buf []byte, chunkSize int) {
	var pending []byte
	for len(buf) > 0 || len(pending) > 0 {
		n := chunkSize
		if n > len(buf) {
			n = len(buf)
		}
		pending = append(pending, buf[:n]...)
		buf = buf[n:]
		consumed := c.OnFramedIngress(pending)
		pending = pending[consumed:]
		if consumed == 0 && len(buf) == 0 {
			return // no further progress possible
		}
	}
}

func TestChunkedIngressEquivalence(t *testing.T) {
	buf := multiFrameBuffer(t)

	whole := &eventRecorder{}
	c := NewFramedCodec(1, whole, whole, nil)
	if n := c.OnFramedIngress(buf); n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	if c.ReceivedFrameCount() != 10 {
		t.Fatalf("got %d frame headers, want 10", c.ReceivedFrameCount())
	}
	if c.TotalBytesParsed() != uint64(len(buf)) {
		t.Fatalf("TotalBytesParsed = %d, want %d", c.TotalBytesParsed(), len(buf))
	}

	for chunkSize := 1; chunkSize <= len(buf); chunkSize++ {
		chunked := &eventRecorder{}
		cc := NewFramedCodec(1, chunked, chunked, nil)
		feedInChunks(cc, buf, chunkSize)
		if err := cc.Err(); err != nil {
			t.Fatalf("chunk size %d: %v", chunkSize, err)
		}
		if !reflect.DeepEqual(chunked.events, whole.events) {
			t.Fatalf("chunk size %d: events diverge:\ngot  %q\nwant %q",
				chunkSize, chunked.events, whole.events)
		}
	}
}

func TestUnknownFrameSkipped(t *testing.T) {
	var buf bytes.Buffer
	fr := NewFramer(&buf)
	if err := fr.WriteRawFrame(FrameType(0x22), []byte("opaque")); err != nil {
		t.Fatal(err)
	}
	if err := fr.WriteGoaway(5); err != nil {
		t.Fatal(err)
	}

	r := &eventRecorder{}
	c := NewFramedCodec(1, r, r, nil)
	if n := c.OnFramedIngress(buf.Bytes()); n != buf.Len() {
		t.Fatalf("consumed %d bytes, want %d", n, buf.Len())
	}
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"header stream=1 flags=0 type=0x22 len=6",
		"header stream=1 flags=0 type=0x7 len=1",
		"frame GOAWAY len=1 laststreamid=5",
	}
	if !reflect.DeepEqual(r.events, want) {
		t.Errorf("events:\ngot  %q\nwant %q", r.events, want)
	}
}

func TestGreaseFrameSkipped(t *testing.T) {
	var buf bytes.Buffer
	fr := NewFramer(&buf)
	if err := fr.WriteGreaseFrame(2); err != nil {
		t.Fatal(err)
	}
	if err := fr.WriteGoaway(5); err != nil {
		t.Fatal(err)
	}

	r := &eventRecorder{}
	c := NewFramedCodec(1, r, r, nil)
	c.OnFramedIngress(buf.Bytes())
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	var frames []string
	for _, e := range r.events {
		if strings.HasPrefix(e, "frame ") {
			frames = append(frames, e)
		}
	}
	// Only the GOAWAY surfaces; the grease frame is skipped.
	if len(frames) != 1 || !strings.Contains(frames[0], "GOAWAY") {
		t.Errorf("got frames %q, want only the GOAWAY", frames)
	}
}

func TestDisallowedFrameType(t *testing.T) {
	var buf bytes.Buffer
	fr := NewFramer(&buf)
	if err := fr.WriteSettings(nil); err != nil {
		t.Fatal(err)
	}
	if err := fr.WriteGoaway(5); err != nil {
		t.Fatal(err)
	}

	r := &eventRecorder{}
	c := NewFramedCodec(1, r, r, func(t FrameType) error {
		if t == FrameTypeSettings {
			return ConnectionError(ErrCodeWrongStream)
		}
		return nil
	})
	if n := c.OnFramedIngress(buf.Bytes()); n != 0 {
		t.Fatalf("consumed %d bytes, want 0", n)
	}
	if c.Err() != ConnectionError(ErrCodeWrongStream) {
		t.Fatalf("got err %v, want WRONG_STREAM", c.Err())
	}
	// The frame is rejected before its header is reported: the only
	// event is the error, attributed to the session.
	want := []string{
		`error stream=18446744073709551615 err="connection error: WRONG_STREAM" ingressOnly=false`,
	}
	if !reflect.DeepEqual(r.events, want) {
		t.Errorf("events:\ngot  %q\nwant %q", r.events, want)
	}
}

func TestConnectionErrorIsSticky(t *testing.T) {
	bad, err := appendFrameHeader(nil, FrameTypeData, 0)
	if err != nil {
		t.Fatal(err)
	}
	bad = append(bad, 0x00)

	r := &eventRecorder{}
	c := NewFramedCodec(1, r, r, nil)
	c.OnFramedIngress(bad)
	if c.Err() == nil {
		t.Fatal("expected a connection error")
	}
	if !c.Paused() {
		t.Error("parser not paused after connection error")
	}
	events := len(r.events)

	var buf bytes.Buffer
	fr := NewFramer(&buf)
	if err := fr.WriteGoaway(5); err != nil {
		t.Fatal(err)
	}
	if n := c.OnFramedIngress(buf.Bytes()); n != 0 {
		t.Fatalf("consumed %d bytes after error, want 0", n)
	}
	if len(r.events) != events {
		t.Errorf("callbacks fired after the connection error: %q", r.events[events:])
	}
}

func TestHandlerErrorBecomesConnectionError(t *testing.T) {
	var buf bytes.Buffer
	fr := NewFramer(&buf)
	if err := fr.WriteGoaway(5); err != nil {
		t.Fatal(err)
	}

	handlerErr := ConnectionError(ErrCodeGeneralProtocol)
	c := NewFramedCodec(1, frameHandlerFunc(func(Frame) error {
		return handlerErr
	}), nil, nil)
	c.OnFramedIngress(buf.Bytes())
	if c.Err() != handlerErr {
		t.Fatalf("got err %v, want the handler error", c.Err())
	}
}

func TestDataStreamingAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	fr := NewFramer(&buf)
	if err := fr.WriteData([]byte("abcdefghij")); err != nil {
		t.Fatal(err)
	}
	if err := fr.WriteGoaway(5); err != nil {
		t.Fatal(err)
	}

	r := &eventRecorder{}
	c := NewFramedCodec(1, r, r, nil)
	feedInChunks(c, buf.Bytes(), 3)
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"header stream=1 flags=0 type=0x0 len=10",
		"data abcdefghij",
		"header stream=1 flags=0 type=0x7 len=1",
		"frame GOAWAY len=1 laststreamid=5",
	}
	if !reflect.DeepEqual(r.events, want) {
		t.Errorf("events:\ngot  %q\nwant %q", r.events, want)
	}
}

func TestPartiallyReliableStreaming(t *testing.T) {
	b, err := appendFrameHeader(nil, FrameTypeData, unframedDataFrameLen)
	if err != nil {
		t.Fatal(err)
	}
	hdrLen := len(b)
	b = append(b, "abc"...)

	r := &eventRecorder{}
	c := NewFramedCodec(1, r, r, nil)
	c.SetUnframedDataHandler(r)
	if n := c.OnFramedIngress(b); n != len(b) {
		t.Fatalf("consumed %d bytes, want %d", n, len(b))
	}
	// The streaming mode persists across calls: there is no internal
	// exit back to the frame grammar.
	if n := c.OnFramedIngress([]byte("def")); n != 3 {
		t.Fatalf("consumed %d bytes, want 3", n)
	}
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"header stream=1 flags=0 type=0x0 len=0",
		fmt.Sprintf("unframed-start off=%d", hdrLen),
		"unframed abcdef",
	}
	if !reflect.DeepEqual(r.events, want) {
		t.Errorf("events:\ngot  %q\nwant %q", r.events, want)
	}
}

func TestPauseStopsProgress(t *testing.T) {
	var buf bytes.Buffer
	fr := NewFramer(&buf)
	if err := fr.WriteGoaway(5); err != nil {
		t.Fatal(err)
	}

	r := &eventRecorder{}
	c := NewFramedCodec(1, r, r, nil)
	c.SetParserPaused(true)
	if n := c.OnFramedIngress(buf.Bytes()); n != 0 {
		t.Fatalf("consumed %d bytes while paused, want 0", n)
	}
	if len(r.events) != 0 {
		t.Fatalf("callbacks fired while paused: %q", r.events)
	}

	c.SetParserPaused(false)
	if n := c.OnFramedIngress(buf.Bytes()); n != buf.Len() {
		t.Fatalf("consumed %d bytes after resume, want %d", n, buf.Len())
	}
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestZeroByteIngress(t *testing.T) {
	r := &eventRecorder{}
	c := NewFramedCodec(1, r, r, nil)
	if n := c.OnFramedIngress(nil); n != 0 {
		t.Fatalf("consumed %d bytes from an empty buffer", n)
	}
	if len(r.events) != 0 {
		t.Fatalf("callbacks fired on empty ingress: %q", r.events)
	}
}
