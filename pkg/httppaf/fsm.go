// Package httppaf implements protocol-aware flushing for HTTP: given a
// byte stream, it decides the offset at which a reassembled TCP stream
// should be handed up as one protocol data unit, so the service
// detection and pattern-match layers see whole HTTP messages rather
// than arbitrary TCP segment boundaries.
//
// Grounded on
// _examples/original_source/apps/snort-2.9.6.2/src/preprocessors/HttpInspect/utils/hi_paf.c.
package httppaf

// Flags track what the scan has learned about the current message.
type Flags uint16

const (
	FlagReq Flags = 1 << iota
	FlagRsp
	FlagLen // a message length is known (Content-Length or terminal chunk)
	FlagChk // currently inside chunked-encoding accounting
	FlagNoBody
	FlagNoFlush
	FlagV09
	FlagV10
	FlagV11
	FlagErr
	FlagGet
	FlagPost
	FlagHead
)

// Character classes, used by the start-line/header-name scanner.
type class uint8

const (
	classErr class = 0
	classAny class = 1 << iota
	classChr
	classTok
	classLWS
	classSep
	classEOL
	classDig
)

var classMap [256]class

func init() {
	for c := 0; c < 256; c++ {
		classMap[c] = classAny

		switch {
		case c >= '0' && c <= '9':
			classMap[c] |= classDig | classTok | classChr
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z'):
			classMap[c] |= classTok | classChr
		}

		switch byte(c) {
		case ' ', '\t':
			classMap[c] |= classLWS
		case '\r', '\n':
			classMap[c] |= classEOL
		case ':', ',', ';', '=':
			classMap[c] |= classSep
		}
	}
}

func isDigit(c byte) bool { return classMap[c]&classDig != 0 }
func isLWS(c byte) bool   { return classMap[c]&classLWS != 0 }
func isEOL(c byte) bool   { return c == '\n' }

// phase tracks which part of the message the scanner is in. Unlike the
// source's single dense FSM, the body and chunk phases here are driven
// by explicit byte counters rather than table lookups, since skipping
// N raw body bytes has no per-byte branching to speak of.
type phase uint8

const (
	phaseStartLine phase = iota
	phaseHeaders
	phaseHeaderValue // inside a Content-Length or Transfer-Encoding value
	phaseBody
	phaseChunkSize
	phaseChunkSizeCR
	phaseChunkData
	phaseChunkDataCR
	phaseChunkDataLF
	phaseTrailer
	phaseDone
)

// headerKind distinguishes the two headers PAF cares about; any other
// header name is tracked as headerOther and its value is ignored.
type headerKind uint8

const (
	headerOther headerKind = iota
	headerContentLength
	headerTransferEncoding
)

const maxDecimalLen = 429496728 // overflow guard, mirrors ACT_SHI's bound
const maxHexChunkLen = 0x07FFFFFF

// pipeline bitmap constants, mirroring hi_paf.c.
const (
	MaxPipeline      = 24
	PipelineRuptured = 0xFF
)

// State is the per-direction, per-session scanning state. Build one
// with NewState, which sets the direction and the byte cap.
type State struct {
	Flags Flags

	phase      phase
	fromClient bool

	curHeader headerKind
	lineBuf   [32]byte // lowercased header-name prefix being matched
	lineLen   int

	contentLength  uint64
	haveContentLen bool
	remaining      uint64 // bytes left in the current body/chunk segment
	chunkHexLen    uint64
	firstLineEnded bool

	pipe    uint32 // low byte: outstanding request count; the upper bits are not used
	capUsed int
	cap     int

	// LastFlags preserves Flags as they stood at the moment of the most
	// recent flush, since reset() clears Flags for the next message.
	LastFlags Flags
}

// NewState returns scanning state for a fresh message on a stream
// flowing in the direction given by fromClient.
func NewState(fromClient bool, byteCap int) *State {
	s := &State{fromClient: fromClient, cap: byteCap}
	if fromClient {
		s.Flags |= FlagReq
	} else {
		s.Flags |= FlagRsp
	}

	return s
}

// reset prepares the state for the next pipelined message on the same
// direction, preserving the pipeline bookkeeping.
func (s *State) reset() {
	pipe := s.pipe
	fromClient := s.fromClient
	capUsed := s.capUsed
	capVal := s.cap

	*s = State{fromClient: fromClient, pipe: pipe, capUsed: capUsed, cap: capVal}
	if fromClient {
		s.Flags |= FlagReq
	} else {
		s.Flags |= FlagRsp
	}
}

// PushPipeline records a new in-flight request. Once more than
// MaxPipeline requests are outstanding the count saturates at
// PipelineRuptured rather than wrapping.
func (s *State) PushPipeline() {
	n := s.pipe & 0xFF
	if n == PipelineRuptured {
		return
	}

	n++
	if n > MaxPipeline {
		n = PipelineRuptured
	}

	s.pipe = (s.pipe &^ 0xFF) | n
}

// PopPipeline retires one in-flight request, mirroring hi_pipe_pop.
func (s *State) PopPipeline() {
	n := s.pipe & 0xFF
	if n == PipelineRuptured || n == 0 {
		return
	}

	n--
	s.pipe = (s.pipe &^ 0xFF) | n
}

// Result is what a call to Scan decided for the bytes consumed so far.
type Result uint8

const (
	ResultSearch Result = iota // need more data, keep scanning
	ResultFlush                // flush a PDU at the returned offset
	ResultAbort                // give up PAF for this session, fall back to generic inspection
)

// Scan consumes data and returns the flush decision along with the
// offset within data at which the PDU ends (only meaningful when the
// result is ResultFlush). Scan may be called repeatedly with
// successive chunks of the same stream; State carries position across
// calls.
func (s *State) Scan(data []byte) (Result, int) {
	if s.Flags&FlagErr != 0 {
		return ResultAbort, 0
	}

	for i := 0; i < len(data); i++ {
		if s.cap > 0 {
			s.capUsed++
			if s.capUsed > s.cap {
				s.Flags |= FlagErr

				return ResultAbort, 0
			}
		}

		c := data[i]

		res, flushHere := s.step(c)

		switch res {
		case ResultFlush:
			n := i + 1
			if flushHere {
				n = i
			}

			last := s.Flags
			s.reset()
			s.LastFlags = last

			return ResultFlush, n
		case ResultAbort:
			s.Flags |= FlagErr

			return ResultAbort, 0
		}
	}

	return ResultSearch, 0
}

// step advances the scanner by one byte. The second return value is
// true when the flush boundary is the current byte itself (exclusive)
// rather than just after it (inclusive). Only the HTTP/0.9 simple
// request flushes exclusively, before its trailing LF; header-driven,
// content-length and chunked flushes all include the current byte.
func (s *State) step(c byte) (Result, bool) {
	switch s.phase {
	case phaseStartLine:
		return s.stepStartLine(c)
	case phaseHeaders:
		return s.stepHeaderName(c)
	case phaseHeaderValue:
		return s.stepHeaderValue(c)
	case phaseBody:
		return s.stepBody(c)
	case phaseChunkSize:
		return s.stepChunkSize(c)
	case phaseChunkSizeCR:
		if c == '\n' {
			if s.chunkHexLen == 0 {
				s.phase = phaseTrailer

				return ResultSearch, false
			}

			s.remaining = s.chunkHexLen
			s.phase = phaseChunkData
		}

		return ResultSearch, false
	case phaseChunkData:
		return s.stepChunkData(c)
	case phaseChunkDataCR:
		s.phase = phaseChunkDataLF

		return ResultSearch, false
	case phaseChunkDataLF:
		s.phase = phaseChunkSize
		s.chunkHexLen = 0

		return ResultSearch, false
	case phaseTrailer:
		return s.stepTrailer(c)
	default:
		return ResultSearch, false
	}
}

func (s *State) stepStartLine(c byte) (Result, bool) {
	if !s.firstLineEnded && s.lineLen == 0 && s.fromClient {
		switch {
		case c == 'G' || c == 'g':
			s.Flags |= FlagGet
		case c == 'P' || c == 'p':
			s.Flags |= FlagPost
		case c == 'H' || c == 'h':
			s.Flags |= FlagHead
		}
	}

	if c == '\n' {
		s.firstLineEnded = true

		if s.fromClient {
			// a request line with no "HTTP/1.x" token before CRLF is a
			// simple (HTTP/0.9) request: no headers follow at all, and
			// the request itself ends at the CR, not the trailing LF
			// (the LF belongs to nothing since 0.9 has no further
			// framing to anchor it to).
			if !containsVersionToken(s.lineBuf[:s.lineLen]) {
				s.Flags |= FlagV09
				s.phase = phaseDone

				return ResultFlush, true
			}

			parseRequestVersion(s, s.lineBuf[:s.lineLen])
		} else {
			parseStatusLine(s, s.lineBuf[:s.lineLen])
		}

		s.lineLen = 0
		s.phase = phaseHeaders
		s.curHeader = headerOther

		return ResultSearch, false
	}

	if c != '\r' && s.lineLen < len(s.lineBuf) {
		s.lineBuf[s.lineLen] = lower(c)
		s.lineLen++
	}

	return ResultSearch, false
}

func (s *State) stepHeaderName(c byte) (Result, bool) {
	if c == '\n' {
		if s.lineLen == 0 {
			// blank line: end of headers
			return s.endOfHeaders()
		}

		// a header line with no recognized name; skip its value.
		s.curHeader = matchHeaderName(s.lineBuf[:s.lineLen])
		s.lineLen = 0

		if s.curHeader == headerOther {
			s.phase = phaseHeaders

			return ResultSearch, false
		}

		s.phase = phaseHeaderValue

		return ResultSearch, false
	}

	if c == ':' {
		s.curHeader = matchHeaderName(s.lineBuf[:s.lineLen])
		s.lineLen = 0
		s.phase = phaseHeaderValue

		return ResultSearch, false
	}

	if c != '\r' && s.lineLen < len(s.lineBuf) {
		s.lineBuf[s.lineLen] = lower(c)
		s.lineLen++
	}

	return ResultSearch, false
}

func (s *State) stepHeaderValue(c byte) (Result, bool) {
	switch s.curHeader {
	case headerContentLength:
		switch {
		case isDigit(c):
			if s.Flags&FlagErr == 0 {
				v := s.contentLength*10 + uint64(c-'0')
				if v > maxDecimalLen {
					s.Flags |= FlagErr

					return ResultAbort, false
				}

				s.contentLength = v
				s.haveContentLen = true
			}
		case c == '\n':
			s.Flags |= FlagLen
			s.phase = phaseHeaders
		}

		return ResultSearch, false
	case headerTransferEncoding:
		if c == '\n' {
			// presence of the header is enough; "chunked" is the only
			// transfer-coding this scanner recognizes.
			s.Flags |= FlagChk
			s.phase = phaseHeaders
		}

		return ResultSearch, false
	default:
		if c == '\n' {
			s.phase = phaseHeaders
		}

		return ResultSearch, false
	}
}

func (s *State) endOfHeaders() (Result, bool) {
	switch {
	case s.Flags&FlagPost != 0 && s.Flags&FlagLen == 0 && s.Flags&FlagChk == 0:
		// an unbounded POST: no way to know where the body ends. The
		// error is flagged and PAF aborts at the end of the headers; the
		// request is not flushed first.
		s.Flags |= FlagErr

		return ResultAbort, false
	case s.Flags&FlagRsp != 0 && (s.Flags&FlagNoBody != 0 || s.Flags&FlagHead != 0):
		return ResultFlush, false
	case s.Flags&FlagChk != 0:
		s.phase = phaseChunkSize
		s.chunkHexLen = 0

		return ResultSearch, false
	case s.Flags&FlagLen != 0:
		if s.contentLength == 0 {
			return ResultFlush, false
		}

		s.remaining = s.contentLength
		s.phase = phaseBody

		return ResultSearch, false
	case s.Flags&FlagReq != 0:
		return ResultFlush, false
	case s.Flags&FlagRsp != 0 && s.Flags&FlagV11 != 0:
		// HTTP/1.1 response with no length information of any kind:
		// flush immediately, matching hi_eoh's msg-size event path.
		return ResultFlush, false
	default:
		return ResultAbort, false
	}
}

func (s *State) stepBody(byte) (Result, bool) {
	s.remaining--
	if s.remaining == 0 {
		s.phase = phaseDone

		return ResultFlush, false
	}

	return ResultSearch, false
}

func (s *State) stepChunkSize(c byte) (Result, bool) {
	switch {
	case isHexDigit(c):
		v := s.chunkHexLen<<4 | uint64(hexVal(c))
		if v > maxHexChunkLen {
			s.Flags |= FlagErr

			return ResultAbort, false
		}

		s.chunkHexLen = v

		return ResultSearch, false
	case c == '\r':
		s.phase = phaseChunkSizeCR

		return ResultSearch, false
	case c == '\n':
		if s.chunkHexLen == 0 {
			s.phase = phaseTrailer

			return ResultSearch, false
		}

		s.remaining = s.chunkHexLen
		s.phase = phaseChunkData

		return ResultSearch, false
	case c == ';':
		// chunk-extension: ignore until CR/LF
		return ResultSearch, false
	default:
		return ResultSearch, false
	}
}

func (s *State) stepChunkData(byte) (Result, bool) {
	s.remaining--
	if s.remaining == 0 {
		s.phase = phaseChunkDataCR
	}

	return ResultSearch, false
}

func (s *State) stepTrailer(c byte) (Result, bool) {
	if c == '\n' {
		s.Flags |= FlagLen
		s.phase = phaseDone

		return ResultFlush, false
	}

	return ResultSearch, false
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}

	return c
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func containsVersionToken(line []byte) bool {
	const tok = "http/1."

	for i := 0; i+len(tok) <= len(line); i++ {
		if string(line[i:i+len(tok)]) == tok {
			return true
		}
	}

	return false
}

func parseRequestVersion(s *State, line []byte) {
	const tok = "http/1."

	for i := 0; i+len(tok) <= len(line); i++ {
		if string(line[i:i+len(tok)]) == tok && i+len(tok) < len(line) {
			switch line[i+len(tok)] {
			case '0':
				s.Flags |= FlagV10
			case '1':
				s.Flags |= FlagV11
			}

			return
		}
	}
}

func parseStatusLine(s *State, line []byte) {
	const tok = "http/1."

	idx := -1

	for i := 0; i+len(tok) <= len(line); i++ {
		if string(line[i:i+len(tok)]) == tok {
			idx = i

			break
		}
	}

	if idx < 0 {
		s.Flags |= FlagErr

		return
	}

	p := idx + len(tok)
	if p < len(line) {
		switch line[p] {
		case '0':
			s.Flags |= FlagV10
		case '1':
			s.Flags |= FlagV11
		}

		p++
	}

	for p < len(line) && isLWS(line[p]) {
		p++
	}

	if p+3 <= len(line) && isDigit(line[p]) && isDigit(line[p+1]) && isDigit(line[p+2]) {
		status := int(line[p]-'0')*100 + int(line[p+1]-'0')*10 + int(line[p+2]-'0')
		if status/100 == 1 || status == 204 || status == 304 {
			s.Flags |= FlagNoBody
		}
	}
}

func matchHeaderName(name []byte) headerKind {
	switch string(name) {
	case "content-length":
		return headerContentLength
	case "transfer-encoding":
		return headerTransferEncoding
	default:
		return headerOther
	}
}

// SimpleRequest reports whether the most recently flushed message was
// detected as an HTTP/0.9 simple request (no header block at all).
func (s *State) SimpleRequest() bool {
	return s.LastFlags&FlagV09 != 0
}
