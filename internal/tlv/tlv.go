// Package tlv implements the fixed-length type-length-value handshake
// carried at the start of every tunneled QUIC stream.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// MsgType is the single leading byte of every TLV message.
type MsgType byte

const (
	TypeTCPConnect   MsgType = 0
	TypeTCPConnectOK MsgType = 1
	TypeError        MsgType = 2
	TypeEnd          MsgType = 255
)

// ErrorCode is the payload of an ERROR message.
type ErrorCode uint16

const (
	ErrProtocolViolation  ErrorCode = 0
	ErrICMPPacketReceived ErrorCode = 1
	ErrMalformedTLV       ErrorCode = 2
	ErrNetworkFailure     ErrorCode = 3
)

// Wire lengths of each fixed-form message, including the leading type byte.
const (
	LenTCPConnect   = 20
	LenTCPConnectOK = 2
	LenError        = 4
	LenEnd          = 2
)

// MaxMessageLen bounds the scratch buffer a reader needs to hold any
// single handshake message.
const MaxMessageLen = LenTCPConnect

var (
	// ErrInvalidDestination is returned by EncodeTCPConnect for a
	// multicast destination.
	ErrInvalidDestination = errors.New("tlv: destination is multicast")
	// ErrMalformedTlv is returned by decoders when the type byte or
	// length indicator doesn't match the expected fixed form.
	ErrMalformedTlv = errors.New("tlv: malformed message")
	// ErrBufferTooShort is returned by encoders given a destination
	// buffer smaller than the message they need to write.
	ErrBufferTooShort = errors.New("tlv: destination buffer too short")
)

// TCPDestination is a socket address conveyed in a TCP_CONNECT message.
// On the wire it is always represented as a 16-byte IPv6 address,
// IPv4-mapped when the original address was IPv4.
type TCPDestination struct {
	IP   net.IP
	Port uint16
}

// String renders the destination as host:port, downcasting an
// IPv4-mapped address back to dotted-quad form.
func (d TCPDestination) String() string {
	ip := d.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", d.Port))
}

// mapToV16 centralizes the address-to-16-bytes conversion so encode
// and decode agree on the IPv4-mapped-IPv6 rule (RFC 4291 §2.5.5.2).
func mapToV16(ip net.IP) ([16]byte, error) {
	var out [16]byte
	v16 := ip.To16()
	if v16 == nil {
		return out, fmt.Errorf("tlv: not a valid IPv4/IPv6 address: %v", ip)
	}
	copy(out[:], v16)
	return out, nil
}

// v16ToIP is the inverse of mapToV16: it reconstructs a net.IP from the
// 16-byte wire form, downcasting to 4-byte form when IPv4-mapped.
func v16ToIP(b []byte) net.IP {
	ip := net.IP(append([]byte(nil), b...))
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// EncodeTCPConnect writes a TCP_CONNECT message for dest into buf,
// which must be at least LenTCPConnect bytes. Fails with
// ErrInvalidDestination for a multicast address.
func EncodeTCPConnect(dest TCPDestination, buf []byte) (int, error) {
	if len(buf) < LenTCPConnect {
		return 0, ErrBufferTooShort
	}
	if dest.IP.IsMulticast() {
		return 0, ErrInvalidDestination
	}
	v16, err := mapToV16(dest.IP)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	buf[0] = byte(TypeTCPConnect)
	buf[1] = LenTCPConnect
	binary.BigEndian.PutUint16(buf[2:4], dest.Port)
	copy(buf[4:20], v16[:])
	return LenTCPConnect, nil
}

// EncodeOK writes a TCP_CONNECT_OK message into buf.
func EncodeOK(buf []byte) (int, error) {
	if len(buf) < LenTCPConnectOK {
		return 0, ErrBufferTooShort
	}
	buf[0] = byte(TypeTCPConnectOK)
	buf[1] = LenTCPConnectOK
	return LenTCPConnectOK, nil
}

// EncodeEnd writes an END message into buf.
func EncodeEnd(buf []byte) (int, error) {
	if len(buf) < LenEnd {
		return 0, ErrBufferTooShort
	}
	buf[0] = byte(TypeEnd)
	buf[1] = LenEnd
	return LenEnd, nil
}

// EncodeError writes an ERROR message carrying code into buf.
func EncodeError(code ErrorCode, buf []byte) (int, error) {
	if len(buf) < LenError {
		return 0, ErrBufferTooShort
	}
	buf[0] = byte(TypeError)
	buf[1] = LenError
	binary.BigEndian.PutUint16(buf[2:4], uint16(code))
	return LenError, nil
}

// PeekType returns the message type from the first byte of buf without
// consuming or validating the rest of the message.
func PeekType(buf []byte) (MsgType, error) {
	if len(buf) < 1 {
		return 0, ErrMalformedTlv
	}
	return MsgType(buf[0]), nil
}

// MessageLen returns the fixed wire length for a given message type,
// used by callers that need to read exactly that many bytes.
func MessageLen(t MsgType) (int, error) {
	switch t {
	case TypeTCPConnect:
		return LenTCPConnect, nil
	case TypeTCPConnectOK:
		return LenTCPConnectOK, nil
	case TypeError:
		return LenError, nil
	case TypeEnd:
		return LenEnd, nil
	default:
		return 0, ErrMalformedTlv
	}
}

// DecodeTCPConnect parses a TCP_CONNECT message from buf.
func DecodeTCPConnect(buf []byte) (TCPDestination, error) {
	if len(buf) != LenTCPConnect || buf[0] != byte(TypeTCPConnect) || buf[1] != LenTCPConnect {
		return TCPDestination{}, ErrMalformedTlv
	}
	port := binary.BigEndian.Uint16(buf[2:4])
	ip := v16ToIP(buf[4:20])
	return TCPDestination{IP: ip, Port: port}, nil
}

// IsOK reports whether buf holds a TCP_CONNECT_OK message.
func IsOK(buf []byte) bool {
	return len(buf) >= 1 && buf[0] == byte(TypeTCPConnectOK)
}

// DecodeError parses an ERROR message from buf.
func DecodeError(buf []byte) (ErrorCode, error) {
	if len(buf) != LenError || buf[0] != byte(TypeError) || buf[1] != LenError {
		return 0, ErrMalformedTlv
	}
	return ErrorCode(binary.BigEndian.Uint16(buf[2:4])), nil
}
