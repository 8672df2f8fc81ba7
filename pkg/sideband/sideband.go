// Package sideband implements the two wire encodings used to carry
// pattern-match reports from the ingress middlebox to the egress
// reconciler: a UDP sideband datagram, and reports riding inline as an
// IP option on the forwarded data packet itself.
package sideband

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MagicNum identifies a UDP payload as a sideband match-report datagram
// rather than ordinary application traffic sharing the capture filter.
const MagicNum uint16 = 0xDEE4

// IPOptionType is the IP option type used to carry reports inline,
// within the experimental range reserved by RFC 3692.
const IPOptionType = 94

// UDP sideband payload layout, all fields network byte order.
const (
	offMagic       = 0
	offReportCount = 2
	offFlowSeqKey  = 4
	offFlowOffset  = 8
	offReportsBase = 12
	reportSize     = 4
)

// MaxReportedRules caps the number of reports a single datagram (or IP
// option) can carry, mirroring the source's MAX_REPORTED_RULES bound.
const MaxReportedRules = 65535

// Report is a single rule match: the matching rule's ID and the byte
// index into the flow where the match began.
type Report struct {
	RuleID     uint16
	StartIndex int16
}

// Datagram is a fully decoded UDP sideband payload.
type Datagram struct {
	FlowSeqKey uint32
	FlowOffset uint32
	Reports    []Report
}

// ErrNotSideband is returned by Decode when the payload is too short to
// hold the magic number or its magic number doesn't match, meaning the
// datagram is ordinary UDP traffic.
var ErrNotSideband = errors.New("sideband: magic number mismatch")

// Decode parses a UDP sideband datagram payload.
func Decode(payload []byte) (*Datagram, error) {
	if len(payload) < offReportCount || binary.BigEndian.Uint16(payload[offMagic:]) != MagicNum {
		return nil, ErrNotSideband
	}

	if len(payload) < offReportsBase {
		return nil, errors.New("sideband: payload shorter than header")
	}

	count := int(binary.BigEndian.Uint16(payload[offReportCount:]))
	if count > MaxReportedRules {
		return nil, errors.Errorf("sideband: report count %d exceeds max %d", count, MaxReportedRules)
	}

	want := offReportsBase + count*reportSize
	if len(payload) < want {
		return nil, errors.Errorf("sideband: payload too short for %d reports: have %d, want %d", count, len(payload), want)
	}

	d := &Datagram{
		FlowSeqKey: binary.BigEndian.Uint32(payload[offFlowSeqKey:]),
		FlowOffset: binary.BigEndian.Uint32(payload[offFlowOffset:]),
		Reports:    make([]Report, count),
	}

	for i := 0; i < count; i++ {
		off := offReportsBase + i*reportSize
		d.Reports[i] = Report{
			RuleID:     binary.BigEndian.Uint16(payload[off:]),
			StartIndex: int16(binary.BigEndian.Uint16(payload[off+2:])),
		}
	}

	return d, nil
}

// Encode serializes a Datagram back to wire form. Reports beyond
// MaxReportedRules are truncated, matching the source's saturating
// accumulation in handle_matches.
func Encode(d *Datagram) []byte {
	reports := d.Reports
	if len(reports) > MaxReportedRules {
		reports = reports[:MaxReportedRules]
	}

	buf := make([]byte, offReportsBase+len(reports)*reportSize)

	binary.BigEndian.PutUint16(buf[offMagic:], MagicNum)
	binary.BigEndian.PutUint16(buf[offReportCount:], uint16(len(reports)))
	binary.BigEndian.PutUint32(buf[offFlowSeqKey:], d.FlowSeqKey)
	binary.BigEndian.PutUint32(buf[offFlowOffset:], d.FlowOffset)

	for i, r := range reports {
		off := offReportsBase + i*reportSize
		binary.BigEndian.PutUint16(buf[off:], r.RuleID)
		binary.BigEndian.PutUint16(buf[off+2:], uint16(r.StartIndex))
	}

	return buf
}

// TOS high bits set by the ingress box on a data packet it found matches
// for, and scrubbed by the reconciler at the terminal hop.
const (
	tosHasMatchesMask = 0xC0
	tosUnsetMask      = 0x3F
)

// HasMatches reports whether a TOS byte carries the has-matches marker.
func HasMatches(tos uint8) bool {
	return tos&tosHasMatchesMask == tosHasMatchesMask
}

// ScrubTOS clears the has-matches marker bits, restoring the byte to
// what it would have been had the ingress box never touched it.
func ScrubTOS(tos uint8) uint8 {
	return tos & tosUnsetMask
}

// OptionReport is a single report as carried inline in an IP option,
// either a single matched position or a contiguous run of positions.
type OptionReport struct {
	RuleID   uint16
	IsRange  bool
	Position uint16 // 15 bits of real range, high bit of the second word is the range flag
	Length   uint16 // only meaningful when IsRange
}

const (
	optSingleSize = 4
	optRangeSize  = 6

	rangeFlagBit = 0x8000
	positionMask = 0x7FFF
)

// DecodeOptionReports parses the array of reports following the
// 1-byte preamble of an IP-option-carried match report (option type
// IPOptionType). Each entry's second word's high bit discriminates a
// fixed 4-byte single-position report from a 6-byte range report.
func DecodeOptionReports(data []byte) ([]OptionReport, error) {
	if len(data) < 1 {
		return nil, errors.New("sideband: ip option payload empty")
	}

	body := data[1:]

	var reports []OptionReport

	for len(body) > 0 {
		if len(body) < optSingleSize {
			return nil, errors.New("sideband: truncated ip option report")
		}

		ruleID := binary.BigEndian.Uint16(body)
		second := binary.BigEndian.Uint16(body[2:])
		isRange := second&rangeFlagBit != 0
		position := second & positionMask

		if !isRange {
			reports = append(reports, OptionReport{RuleID: ruleID, Position: position})
			body = body[optSingleSize:]

			continue
		}

		if len(body) < optRangeSize {
			return nil, errors.New("sideband: truncated ip option range report")
		}

		length := binary.BigEndian.Uint16(body[4:])
		reports = append(reports, OptionReport{
			RuleID:   ruleID,
			IsRange:  true,
			Position: position,
			Length:   length,
		})
		body = body[optRangeSize:]
	}

	return reports, nil
}

// EncodeOptionReports serializes reports into an IP-option payload
// including the 1-byte preamble (the option's own length octet is left
// to the caller, since it also covers the option type/length header).
func EncodeOptionReports(preamble byte, reports []OptionReport) []byte {
	size := 1
	for _, r := range reports {
		if r.IsRange {
			size += optRangeSize
		} else {
			size += optSingleSize
		}
	}

	buf := make([]byte, 1, size)
	buf[0] = preamble

	for _, r := range reports {
		second := r.Position & positionMask
		if r.IsRange {
			second |= rangeFlagBit
		}

		word := make([]byte, 4)
		binary.BigEndian.PutUint16(word, r.RuleID)
		binary.BigEndian.PutUint16(word[2:], second)
		buf = append(buf, word...)

		if r.IsRange {
			lenBytes := make([]byte, 2)
			binary.BigEndian.PutUint16(lenBytes, r.Length)
			buf = append(buf, lenBytes...)
		}
	}

	return buf
}
