package appid

import (
	"crypto/md5" //nolint:gosec // JA3 is defined in terms of MD5, not used for security
	"fmt"

	"github.com/dreadl0ck/ja3"
	"github.com/dreadl0ck/tlsx"
)

// TLSTunnelValidator is the detection-level-1 candidate validator run
// against the remapped plaintext port's traffic: before trusting the
// remap, it confirms the payload is actually a TLS ClientHello (rather
// than, say, plaintext SMTP that happens to have arrived on 465), and
// keeps the ClientHello's JA3 client fingerprint in LastFingerprint.
// The service-ID cache entry does not store the fingerprint.
type TLSTunnelValidator struct {
	// LastFingerprint holds the JA3 hash of the most recently parsed
	// ClientHello, for callers that want to log or correlate it.
	LastFingerprint string
}

// Name implements Validator.
func (v *TLSTunnelValidator) Name() string { return "tls-tunnel" }

// Priority implements Validator. This validator only makes sense for
// the well-known TLS-tunneled ports, so it reports a port match only
// for those. On any other port it still joins the candidate list, as a
// non-port-matching validator with rank 0.
func (v *TLSTunnelValidator) Priority(serverPort uint16) (bool, int) {
	for tunneled := range PortRemap {
		if tunneled == serverPort {
			return true, 0
		}
	}

	return false, 0
}

// Detect parses payload as a TLS record looking for a ClientHello.
func (v *TLSTunnelValidator) Detect(payload []byte) Verdict {
	var hello tlsx.ClientHello

	if err := hello.Unmarshal(payload); err != nil {
		return VerdictIncompatible
	}

	v.LastFingerprint = fingerprint(&hello)

	return VerdictMatch
}

func fingerprint(hello *tlsx.ClientHello) string {
	bare := ja3.Bare(hello)
	sum := md5.Sum(bare) //nolint:gosec

	return fmt.Sprintf("%x", sum)
}
