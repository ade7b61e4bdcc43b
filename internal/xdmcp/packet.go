package xdmcp

import (
	"errors"
	"fmt"
)

// Protocol versions accepted by the dispatcher (§4.9).
const (
	ProtocolVersion    uint16 = 1    // XDM_PROTOCOL_VERSION
	ExtProtocolVersion uint16 = 1001 // MDM_XDMCP_PROTOCOL_VERSION (private extension opcodes only)
)

// Opcode identifies the XDMCP message type carried in a datagram's header.
type Opcode uint16

// Standard XDMCP v1 opcodes plus the private MANAGED_FORWARD extension.
const (
	OpBroadcastQuery    Opcode = 1
	OpQuery             Opcode = 2
	OpIndirectQuery     Opcode = 3
	OpForwardQuery      Opcode = 4
	OpWilling           Opcode = 5
	OpUnwilling         Opcode = 6
	OpRequest           Opcode = 7
	OpAccept            Opcode = 8
	OpDecline           Opcode = 9
	OpManage            Opcode = 10
	OpRefuse            Opcode = 11
	OpFailed            Opcode = 12
	OpKeepAlive         Opcode = 13
	OpAlive             Opcode = 14
	OpManagedForward    Opcode = 1000
	OpGotManagedForward Opcode = 1001
)

func (o Opcode) String() string {
	switch o {
	case OpBroadcastQuery:
		return "BroadcastQuery"
	case OpQuery:
		return "Query"
	case OpIndirectQuery:
		return "IndirectQuery"
	case OpForwardQuery:
		return "ForwardQuery"
	case OpWilling:
		return "Willing"
	case OpUnwilling:
		return "Unwilling"
	case OpRequest:
		return "Request"
	case OpAccept:
		return "Accept"
	case OpDecline:
		return "Decline"
	case OpManage:
		return "Manage"
	case OpRefuse:
		return "Refuse"
	case OpFailed:
		return "Failed"
	case OpKeepAlive:
		return "KeepAlive"
	case OpAlive:
		return "Alive"
	case OpManagedForward:
		return "ManagedForward"
	case OpGotManagedForward:
		return "GotManagedForward"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// Header is the fixed 6-byte XDMCP frame header: version, opcode, and the
// payload length that follows it (§3 XdmcpHeader).
type Header struct {
	Version uint16
	Opcode  Opcode
	Length  uint16
}

const HeaderSize = 6

// Wire framing / checksum errors.
var (
	ErrHeaderTruncated  = errors.New("xdmcp: header truncated")
	ErrLengthMismatch   = errors.New("xdmcp: payload length does not match header length")
	ErrUnknownOpcode    = errors.New("xdmcp: unknown opcode")
	ErrAuthorizationLen = errors.New("xdmcp: authorization name must be 18 bytes")
)

// DecodeHeader reads the 6-byte header from buf.
func DecodeHeader(b *Buffer) (Header, error) {
	var h Header
	v, err := b.ReadCARD16()
	if err != nil {
		return h, fmt.Errorf("decode header version: %w", ErrHeaderTruncated)
	}
	op, err := b.ReadCARD16()
	if err != nil {
		return h, fmt.Errorf("decode header opcode: %w", ErrHeaderTruncated)
	}
	length, err := b.ReadCARD16()
	if err != nil {
		return h, fmt.Errorf("decode header length: %w", ErrHeaderTruncated)
	}
	h.Version = v
	h.Opcode = Opcode(op)
	h.Length = length
	return h, nil
}

// WriteHeader appends a header to b. Length must already reflect the
// encoded payload size that will follow.
func WriteHeader(b *Buffer, h Header) {
	b.WriteCARD16(h.Version)
	b.WriteCARD16(uint16(h.Opcode))
	b.WriteCARD16(h.Length)
}

// checkLength verifies that the number of bytes consumed decoding a payload
// equals the header's advertised length (§4.1, §4.10 "Checksum").
func checkLength(b *Buffer, before int, expected uint16) error {
	consumed := b.Consumed() - before
	//nolint:gosec // consumed is bounded by MaxPacketSize, fits uint16 comparison via int.
	if consumed != int(expected) {
		return fmt.Errorf("%w: consumed %d, header says %d", ErrLengthMismatch, consumed, expected)
	}
	return nil
}

// -------------------------------------------------------------------------
// Payloads
// -------------------------------------------------------------------------

// QueryPayload is the body of BroadcastQuery, Query, and IndirectQuery:
// the client's advertised authentication-name list.
type QueryPayload struct {
	AuthenticationNames [][]byte
}

func DecodeQueryPayload(b *Buffer, h Header) (QueryPayload, error) {
	start := b.Consumed()
	names, err := b.ReadARRAYofARRAY8()
	if err != nil {
		return QueryPayload{}, err
	}
	if err := checkLength(b, start, h.Length); err != nil {
		return QueryPayload{}, err
	}
	return QueryPayload{AuthenticationNames: names}, nil
}

func EncodeQueryPayload(b *Buffer, p QueryPayload) {
	b.WriteARRAYofARRAY8(p.AuthenticationNames)
}

// WillingPayload is the body of Willing.
type WillingPayload struct {
	AuthenticationName []byte
	Status             []byte
}

func EncodeWillingPayload(b *Buffer, p WillingPayload) {
	b.WriteARRAY8(p.AuthenticationName)
	b.WriteARRAY8(p.Status)
}

// UnwillingPayload is the body of Unwilling.
type UnwillingPayload struct {
	Status []byte
}

func EncodeUnwillingPayload(b *Buffer, p UnwillingPayload) {
	b.WriteARRAY8(p.Status)
}

// RequestPayload is the body of Request (§4.10.7).
type RequestPayload struct {
	DisplayNumber      uint16
	ConnectionTypes    []uint16
	ConnectionAddrs    [][]byte
	AuthName           []byte
	AuthData           []byte
	AuthorizationNames [][]byte
	Manufacturer       []byte
}

func DecodeRequestPayload(b *Buffer, h Header) (RequestPayload, error) {
	start := b.Consumed()
	var p RequestPayload
	var err error
	if p.DisplayNumber, err = b.ReadCARD16(); err != nil {
		return p, err
	}
	if p.ConnectionTypes, err = b.ReadARRAY16(); err != nil {
		return p, err
	}
	if p.ConnectionAddrs, err = b.ReadARRAYofARRAY8(); err != nil {
		return p, err
	}
	if p.AuthName, err = b.ReadARRAY8(); err != nil {
		return p, err
	}
	if p.AuthData, err = b.ReadARRAY8(); err != nil {
		return p, err
	}
	if p.AuthorizationNames, err = b.ReadARRAYofARRAY8(); err != nil {
		return p, err
	}
	if p.Manufacturer, err = b.ReadARRAY8(); err != nil {
		return p, err
	}
	if err := checkLength(b, start, h.Length); err != nil {
		return p, err
	}
	return p, nil
}

// AcceptPayload is the body of Accept.
type AcceptPayload struct {
	SessionID         uint32
	AuthName          []byte
	AuthData          []byte
	AuthorizationName []byte
	AuthorizationData []byte
}

func EncodeAcceptPayload(b *Buffer, p AcceptPayload) {
	b.WriteCARD32(p.SessionID)
	b.WriteARRAY8(p.AuthName)
	b.WriteARRAY8(p.AuthData)
	b.WriteARRAY8(p.AuthorizationName)
	b.WriteARRAY8(p.AuthorizationData)
}

// DeclinePayload is the body of Decline.
type DeclinePayload struct {
	Status   []byte
	AuthName []byte
	AuthData []byte
}

func EncodeDeclinePayload(b *Buffer, p DeclinePayload) {
	b.WriteARRAY8(p.Status)
	b.WriteARRAY8(p.AuthName)
	b.WriteARRAY8(p.AuthData)
}

// ManagePayload is the body of Manage (§4.10.10).
type ManagePayload struct {
	SessionID     uint32
	DisplayNumber uint16
	DisplayClass  []byte
}

func DecodeManagePayload(b *Buffer, h Header) (ManagePayload, error) {
	start := b.Consumed()
	var p ManagePayload
	var err error
	if p.SessionID, err = b.ReadCARD32(); err != nil {
		return p, err
	}
	if p.DisplayNumber, err = b.ReadCARD16(); err != nil {
		return p, err
	}
	if p.DisplayClass, err = b.ReadARRAY8(); err != nil {
		return p, err
	}
	if err := checkLength(b, start, h.Length); err != nil {
		return p, err
	}
	return p, nil
}

// RefusePayload is the body of Refuse.
type RefusePayload struct {
	SessionID uint32
}

func EncodeRefusePayload(b *Buffer, p RefusePayload) {
	b.WriteCARD32(p.SessionID)
}

// FailedPayload is the body of Failed.
type FailedPayload struct {
	SessionID uint32
	Status    []byte
}

func EncodeFailedPayload(b *Buffer, p FailedPayload) {
	b.WriteCARD32(p.SessionID)
	b.WriteARRAY8(p.Status)
}

// KeepAlivePayload is the body of KeepAlive.
type KeepAlivePayload struct {
	SessionID     uint32
	DisplayNumber uint16
}

func DecodeKeepAlivePayload(b *Buffer, h Header) (KeepAlivePayload, error) {
	start := b.Consumed()
	var p KeepAlivePayload
	var err error
	if p.SessionID, err = b.ReadCARD32(); err != nil {
		return p, err
	}
	if p.DisplayNumber, err = b.ReadCARD16(); err != nil {
		return p, err
	}
	if err := checkLength(b, start, h.Length); err != nil {
		return p, err
	}
	return p, nil
}

// AlivePayload is the body of Alive.
type AlivePayload struct {
	SessionRunning uint8
	SessionID      uint32
}

func EncodeAlivePayload(b *Buffer, p AlivePayload) {
	b.WriteCARD8(p.SessionRunning)
	b.WriteCARD32(p.SessionID)
}

// ForwardQueryPayload is the body of ForwardQuery (§4.10.4).
type ForwardQueryPayload struct {
	DisplayAddr []byte
	DisplayPort []byte
	AuthNames   [][]byte
}

func DecodeForwardQueryPayload(b *Buffer, h Header) (ForwardQueryPayload, error) {
	start := b.Consumed()
	var p ForwardQueryPayload
	var err error
	if p.DisplayAddr, err = b.ReadARRAY8(); err != nil {
		return p, err
	}
	if p.DisplayPort, err = b.ReadARRAY8(); err != nil {
		return p, err
	}
	if p.AuthNames, err = b.ReadARRAYofARRAY8(); err != nil {
		return p, err
	}
	if err := checkLength(b, start, h.Length); err != nil {
		return p, err
	}
	return p, nil
}

func EncodeForwardQueryPayload(b *Buffer, p ForwardQueryPayload) {
	b.WriteARRAY8(p.DisplayAddr)
	b.WriteARRAY8(p.DisplayPort)
	b.WriteARRAYofARRAY8(p.AuthNames)
}

// ManagedForwardPayload carries the origin display address+port for the
// MANAGED_FORWARD / GOT_MANAGED_FORWARD private extension opcodes (§4.7).
// The exact wire shape of this extension is not standardized; this mirrors
// the (origin_addr, origin_port) identity the ManagedForward record itself
// tracks (§3) so a receiver can match an acknowledgement back to a pending
// retransmit without additional state.
type ManagedForwardPayload struct {
	OriginAddr []byte
	OriginPort []byte
}

func EncodeManagedForwardPayload(b *Buffer, p ManagedForwardPayload) {
	b.WriteARRAY8(p.OriginAddr)
	b.WriteARRAY8(p.OriginPort)
}

func DecodeManagedForwardPayload(b *Buffer, h Header) (ManagedForwardPayload, error) {
	start := b.Consumed()
	var p ManagedForwardPayload
	var err error
	if p.OriginAddr, err = b.ReadARRAY8(); err != nil {
		return p, err
	}
	if p.OriginPort, err = b.ReadARRAY8(); err != nil {
		return p, err
	}
	if err := checkLength(b, start, h.Length); err != nil {
		return p, err
	}
	return p, nil
}
