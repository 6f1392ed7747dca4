package websocket

import (
	"encoding/binary"
	"errors"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Close codes defined in RFC 6455, section 7.4.1.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseServiceRestart          = 1012
	CloseTryAgainLater           = 1013
	CloseTLSHandshake            = 1015
)

var closeCodeNames = map[int]string{
	CloseNormalClosure:           "normal",
	CloseGoingAway:               "going away",
	CloseProtocolError:           "protocol error",
	CloseUnsupportedData:         "unsupported data",
	CloseNoStatusReceived:        "no status",
	CloseAbnormalClosure:         "abnormal closure",
	CloseInvalidFramePayloadData: "invalid payload",
	ClosePolicyViolation:         "policy violation",
	CloseMessageTooBig:           "message too big",
	CloseMandatoryExtension:      "mandatory extension",
	CloseInternalServerErr:       "internal server error",
	CloseServiceRestart:          "service restart",
	CloseTryAgainLater:           "try again later",
	CloseTLSHandshake:            "TLS handshake",
}

// CloseError describes how a connection ended: the close code and reason
// exchanged with the peer, or 1006 when the socket dropped without one.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	msg := "websocket: close " + closeCodeString(e.Code)
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return msg
}

func closeCodeString(code int) string {
	name, ok := closeCodeNames[code]
	if !ok {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code) + " (" + name + ")"
}

// ValidCloseCode reports whether code may appear on the wire in a close
// frame per RFC 6455, section 7.4. Codes 1005, 1006 and 1015 are reserved
// for local reporting and must never be sent.
func ValidCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// FormatCloseMessage formats closeCode and text as a WebSocket close message
// per RFC 6455, section 5.5.1. The close frame body consists of a 2-byte
// status code followed by optional UTF-8 encoded reason text. The reason is
// truncated on a rune boundary so the body fits in a control frame, and
// invalid UTF-8 sequences are dropped.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	text = strings.ToValidUTF8(text, "")
	if n := maxControlFramePayloadSize - 2; len(text) > n {
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		text = text[:n]
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}

// ParseCloseMessage decodes a close frame body. An empty body yields
// CloseNoStatusReceived. A one byte body, an unsendable code or a reason
// that is not valid UTF-8 is a protocol error.
func ParseCloseMessage(payload []byte) (int, string, error) {
	if len(payload) == 0 {
		return CloseNoStatusReceived, "", nil
	}
	if len(payload) < 2 {
		return 0, "", newProtocolError(CloseProtocolError, ErrInvalidClosePayload)
	}

	code := int(binary.BigEndian.Uint16(payload))
	if !ValidCloseCode(code) {
		return code, "", newProtocolError(CloseProtocolError, ErrInvalidCloseCode)
	}

	text := payload[2:]
	if !utf8.Valid(text) {
		return code, "", newProtocolError(CloseProtocolError, ErrInvalidUTF8)
	}

	return code, string(text), nil
}

// IsCloseError reports whether err is a *CloseError carrying one of codes.
func IsCloseError(err error, codes ...int) bool {
	var ce *CloseError
	return errors.As(err, &ce) && slices.Contains(codes, ce.Code)
}

// IsUnexpectedCloseError reports whether err is a *CloseError whose code is
// not among expected.
func IsUnexpectedCloseError(err error, expected ...int) bool {
	var ce *CloseError
	return errors.As(err, &ce) && !slices.Contains(expected, ce.Code)
}
