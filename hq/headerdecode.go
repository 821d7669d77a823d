package hq

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"
)

// A Message is the HTTP message assembled while one header block is
// decoded: the request pseudo-header fields or the response status,
// plus the regular header fields.
type Message struct {
	// Request pseudo-header fields.
	Method    string
	Scheme    string
	Authority string
	Path      string
	Protocol  string // extended CONNECT protocol

	// StatusCode is the response status, zero for requests and for
	// response trailer sections.
	StatusCode int

	ProtoMajor int
	ProtoMinor int

	Header http.Header

	// HeaderSize is the decoded size of the header block this message
	// was assembled from, recorded on successful completion.
	HeaderSize uint32
}

// A requestVerifier validates and records the request pseudo-header
// fields one at a time, then cross-checks their presence once the
// header block is complete.
type requestVerifier struct {
	msg *Message
	err string

	hasMethod    bool
	hasScheme    bool
	hasAuthority bool
	hasPath      bool
	hasProtocol  bool
}

func (v *requestVerifier) reset(msg *Message) {
	*v = requestVerifier{msg: msg}
}

func (v *requestVerifier) setMethod(value string) bool {
	if v.hasMethod {
		v.err = "Duplicate method"
		return false
	}
	if !validMethod(value) {
		v.err = "Invalid method value=" + value
		return false
	}
	v.hasMethod = true
	v.msg.Method = value
	return true
}

func (v *requestVerifier) setScheme(value string) bool {
	if v.hasScheme {
		v.err = "Duplicate scheme"
		return false
	}
	if value != "http" && value != "https" {
		v.err = "Invalid scheme value=" + value
		return false
	}
	v.hasScheme = true
	v.msg.Scheme = value
	return true
}

func (v *requestVerifier) setAuthority(value string) bool {
	if v.hasAuthority {
		v.err = "Duplicate authority"
		return false
	}
	if !httpguts.ValidHostHeader(value) {
		v.err = "Invalid authority value=" + value
		return false
	}
	v.hasAuthority = true
	v.msg.Authority = value
	return true
}

func (v *requestVerifier) setPath(value string) bool {
	if v.hasPath {
		v.err = "Duplicate path"
		return false
	}
	if value == "" || (value[0] != '/' && value != "*") {
		v.err = "Invalid path value=" + value
		return false
	}
	v.hasPath = true
	v.msg.Path = value
	return true
}

func (v *requestVerifier) setUpgradeProtocol(value string) bool {
	if v.hasProtocol {
		v.err = "Duplicate protocol"
		return false
	}
	if value == "" {
		v.err = "Empty protocol value"
		return false
	}
	v.hasProtocol = true
	v.msg.Protocol = value
	return true
}

// validate cross-checks pseudo-header presence once the block is
// complete: CONNECT requests carry only an authority, every other
// request carries method, scheme and path.
func (v *requestVerifier) validate() bool {
	if v.err != "" {
		return false
	}
	if v.msg.Method == "CONNECT" && !v.hasProtocol {
		if v.hasScheme || v.hasPath {
			v.err = "CONNECT request with scheme or path"
			return false
		}
		if !v.hasAuthority {
			v.err = "CONNECT request without authority"
			return false
		}
		return true
	}
	if !v.hasMethod || !v.hasScheme || !v.hasPath {
		v.err = "Missing required pseudo headers"
		return false
	}
	return true
}

func validMethod(v string) bool {
	if len(v) == 0 {
		return false
	}
	for _, r := range v {
		if !httpguts.IsTokenRune(r) {
			return false
		}
	}
	return true
}

// validWireHeaderFieldName reports whether v is a valid header field
// name as it appears on the wire, where names are tokens converted to
// lowercase prior to encoding.
func validWireHeaderFieldName(v string) bool {
	if len(v) == 0 {
		return false
	}
	for _, r := range v {
		if !httpguts.IsTokenRune(r) {
			return false
		}
		if 'A' <= r && r <= 'Z' {
			return false
		}
	}
	return true
}

// HeaderDecodeInfo validates the header field sequence of one header
// block as the compression engine streams fields out, and accumulates
// the decoded message.
//
// A validation failure is recorded in ParsingError and scoped to the
// message: it is not a connection-level fault, so the upper layer
// decides how to fail the individual message or stream. After a failure
// the remaining fields of the block are still accepted, purely to keep
// the decoder's state in sync, but they are ignored.
type HeaderDecodeInfo struct {
	// Msg is the message under assembly. It is valid once
	// OnHeadersComplete returns with an empty ParsingError.
	Msg *Message

	// ParsingError holds the first validation violation, empty while
	// the block is valid.
	ParsingError string

	verifier requestVerifier

	isRequest         bool
	isRequestTrailers bool
	hasStatus         bool
	regularHeaderSeen bool
	pseudoHeaderSeen  bool
	hasContentLength  bool
	contentLength     uint64
}

// Init prepares d for decoding one header block. It must be called
// before the first OnHeader of every block.
func (d *HeaderDecodeInfo) Init(isRequest, isRequestTrailers bool) {
	d.Msg = &Message{Header: make(http.Header)}
	d.ParsingError = ""
	d.isRequest = isRequest
	d.isRequestTrailers = isRequestTrailers
	d.hasStatus = false
	d.regularHeaderSeen = false
	d.pseudoHeaderSeen = false
	d.hasContentLength = false
	d.contentLength = 0
	d.verifier.reset(d.Msg)
}

// OnHeader processes one decoded header field. It returns false when
// the field records a new validation error, true otherwise — including
// for fields ignored after an earlier error.
func (d *HeaderDecodeInfo) OnHeader(f hpack.HeaderField) bool {
	if d.ParsingError != "" {
		// Keep consuming fields so the decoder stays in sync, but
		// extract nothing further.
		debugLogger.Debugf("hq: ignoring header=%s value=%s due to parser error=%s",
			f.Name, f.Value, d.ParsingError)
		return true
	}
	name, value := f.Name, f.Value

	if strings.HasPrefix(name, ":") {
		d.pseudoHeaderSeen = true
		if d.regularHeaderSeen {
			d.ParsingError = "Illegal pseudo header name=" + name
			return false
		}
		if d.isRequest {
			var ok bool
			switch name {
			case ":method":
				ok = d.verifier.setMethod(value)
			case ":scheme":
				ok = d.verifier.setScheme(value)
			case ":authority":
				ok = d.verifier.setAuthority(value)
			case ":path":
				ok = d.verifier.setPath(value)
			case ":protocol":
				ok = d.verifier.setUpgradeProtocol(value)
			default:
				d.ParsingError = "Invalid req header name=" + name
				return false
			}
			if !ok {
				d.ParsingError = d.verifier.err
				return false
			}
			return true
		}
		if name != ":status" {
			d.ParsingError = "Invalid resp header name=" + name
			return false
		}
		if d.hasStatus {
			d.ParsingError = "Duplicate status"
			return false
		}
		d.hasStatus = true
		code, err := strconv.Atoi(value)
		if err != nil || code < 100 || code > 999 {
			d.ParsingError = "Malformed status code=" + value
			return false
		}
		d.Msg.StatusCode = code
		return true
	}

	d.regularHeaderSeen = true
	if name == "connection" {
		d.ParsingError = "HTTP/3 message with Connection header"
		return false
	}
	if name == "content-length" {
		cl, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			d.ParsingError = "Malformed content-length value=" + value
			return false
		}
		if d.hasContentLength && d.contentLength != cl {
			d.ParsingError = "Multiple content-length headers"
			return false
		}
		d.hasContentLength = true
		d.contentLength = cl
	}
	if !validWireHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		d.ParsingError = fmt.Sprintf("Bad header value: name=%s value=%s", name, value)
		return false
	}
	d.Msg.Header.Add(name, value)
	return true
}

// OnHeadersComplete finalizes the block: request cookie crumbs are
// combined into a single header, pseudo-header presence is
// cross-validated, and trailers are checked to contain no
// pseudo-headers. On success the message receives the protocol version
// and the decoded header block size.
func (d *HeaderDecodeInfo) OnHeadersComplete(decodedSize uint32) {
	if d.ParsingError != "" {
		return
	}
	headers := d.Msg.Header

	if d.isRequest && !d.isRequestTrailers {
		if cookies := headers.Values("Cookie"); len(cookies) > 1 {
			headers.Set("Cookie", strings.Join(cookies, "; "))
		}
		if !d.verifier.validate() {
			d.ParsingError = d.verifier.err
			return
		}
	}

	isResponseTrailers := !d.isRequest && !d.hasStatus
	if (d.isRequestTrailers || isResponseTrailers) && d.pseudoHeaderSeen {
		d.ParsingError = "Pseudo headers forbidden in trailers."
		return
	}

	d.Msg.ProtoMajor, d.Msg.ProtoMinor = 1, 1
	d.Msg.HeaderSize = decodedSize
}

// HasStatus reports whether a :status pseudo-header has been seen in
// the current block.
func (d *HeaderDecodeInfo) HasStatus() bool { return d.hasStatus }

// ContentLength returns the consistent content-length recorded for the
// current block, if one was present.
func (d *HeaderDecodeInfo) ContentLength() (uint64, bool) {
	return d.contentLength, d.hasContentLength
}
