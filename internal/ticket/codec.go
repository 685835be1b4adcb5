// Package ticket implements the compact barcode encoding scanned at the
// gates and its keyed-MAC verification.
//
// Wire format: YYYYMMDD-NNNNNN-(GGPP)+-TTTTTTTTTTTT where GG is a two-digit
// gate code, PP a two-digit passenger count and T the uppercase-hex prefix
// of HMAC-SHA256 over everything before the tag.
package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TagLen is the number of hex characters kept from the HMAC digest.
const TagLen = 12

// DefaultGateMapping maps gate names to the two-digit codes used in the
// barcode when no mapping is configured.
func DefaultGateMapping() map[string]string {
	return map[string]string{"A": "01", "B": "02", "C": "03"}
}

// Parsed is the result of decoding a ticket string.
type Parsed struct {
	Valid       bool
	Date        string         // YYYYMMDD
	Serial      string         // zero-padded daily serial
	ReferenceNo string         // DATE-SERIAL, the store key
	Gates       string         // raw GGPP… segment
	GateInfo    map[string]int // gate code -> passenger count
	Tag         string         // verification code as scanned
	SignedBlob  string         // DATE-SERIAL-GATES, the MAC input
	Err         string         // reason when Valid is false
}

// Codec signs and verifies ticket strings with a shared secret.
type Codec struct {
	secret      []byte
	gateMapping map[string]string
}

// NewCodec creates a codec for the given secret key and gate-name mapping.
// A nil or empty mapping falls back to the default A/B/C codes.
func NewCodec(secretKey string, gateMapping map[string]string) *Codec {
	if len(gateMapping) == 0 {
		gateMapping = DefaultGateMapping()
	}
	return &Codec{secret: []byte(secretKey), gateMapping: gateMapping}
}

// Encode computes the verification tag for a signed blob: the first TagLen
// uppercase hex characters of HMAC-SHA256 over the UTF-8 bytes of data.
func (c *Codec) Encode(data string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(data))
	digest := hex.EncodeToString(mac.Sum(nil))
	return strings.ToUpper(digest[:TagLen])
}

// Verify recomputes the tag for data and compares it with the provided one
// in constant time. The provided tag is uppercased first; the server emits
// uppercase hex.
func (c *Codec) Verify(data, tag string) bool {
	expected := c.Encode(data)
	return hmac.Equal([]byte(expected), []byte(strings.ToUpper(tag)))
}

// Parse splits and validates a scanned ticket string. Structural failures
// and tag mismatches both come back with Valid=false and a distinct Err;
// callers that only care about admit/deny collapse them to one reason.
func (c *Codec) Parse(ticketString string) Parsed {
	parts := strings.Split(ticketString, "-")
	if len(parts) < 4 {
		return Parsed{Err: fmt.Sprintf("Invalid QR format - not enough parts (%d)", len(parts))}
	}

	date, serial, gates := parts[0], parts[1], parts[2]
	// Extra separators can only belong to the tag.
	tag := strings.Join(parts[3:], "-")

	if len(date) != 8 || !isDigits(date) {
		return Parsed{Err: fmt.Sprintf("Invalid date format: %s", date)}
	}
	if !isDigits(serial) {
		return Parsed{Err: fmt.Sprintf("Invalid serial format: %s", serial)}
	}
	if len(gates)%4 != 0 || !isDigits(gates) {
		return Parsed{Err: fmt.Sprintf("Invalid gates format: %s (length must be multiple of 4)", gates)}
	}

	gateInfo := make(map[string]int, len(gates)/4)
	for i := 0; i+4 <= len(gates); i += 4 {
		code := gates[i : i+2]
		pax, err := strconv.Atoi(gates[i+2 : i+4])
		if err != nil {
			return Parsed{Err: fmt.Sprintf("Invalid passenger count in gates: %s", gates[i+2:i+4])}
		}
		gateInfo[code] = pax
	}

	signed := date + "-" + serial + "-" + gates
	parsed := Parsed{
		Date:        date,
		Serial:      serial,
		ReferenceNo: date + "-" + serial,
		Gates:       gates,
		GateInfo:    gateInfo,
		Tag:         tag,
		SignedBlob:  signed,
	}

	if !c.Verify(signed, tag) {
		parsed.Err = "Invalid verification code"
		return parsed
	}
	parsed.Valid = true
	return parsed
}

// PassengersFor returns the passenger capacity a parsed ticket grants at the
// named gate, resolving the name through the configured mapping. Zero means
// the ticket is not valid there.
func (c *Codec) PassengersFor(parsed Parsed, gateName string) int {
	if !parsed.Valid {
		return 0
	}
	code, ok := c.gateMapping[strings.ToUpper(gateName)]
	if !ok {
		return 0
	}
	return parsed.GateInfo[code]
}

// GateCode resolves a gate name to its two-digit barcode code.
func (c *Codec) GateCode(gateName string) (string, bool) {
	code, ok := c.gateMapping[strings.ToUpper(gateName)]
	return code, ok
}

// Build mints a complete signed ticket string. paxByCode maps two-digit gate
// codes to passenger counts; codes are emitted in ascending order so the
// output is deterministic.
func (c *Codec) Build(date, serial string, paxByCode map[string]int) (string, error) {
	if len(date) != 8 || !isDigits(date) {
		return "", fmt.Errorf("invalid date %q: want YYYYMMDD", date)
	}
	if !isDigits(serial) {
		return "", fmt.Errorf("invalid serial %q: want digits", serial)
	}

	codes := make([]string, 0, len(paxByCode))
	for code := range paxByCode {
		if len(code) != 2 || !isDigits(code) {
			return "", fmt.Errorf("invalid gate code %q: want two digits", code)
		}
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var b strings.Builder
	for _, code := range codes {
		pax := paxByCode[code]
		if pax < 0 || pax > 99 {
			return "", fmt.Errorf("passenger count %d for gate %s out of range 0-99", pax, code)
		}
		fmt.Fprintf(&b, "%s%02d", code, pax)
	}

	signed := date + "-" + serial + "-" + b.String()
	return signed + "-" + c.Encode(signed), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
