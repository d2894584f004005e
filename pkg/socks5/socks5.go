// Package socks5 defines the protocol vocabulary shared between the SOCKS5
// session handler, the event model and the management protocol: auth
// methods, request addresses and their wire encodings.
package socks5

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/marmos91/sirocco/pkg/wire"
)

// Version is the SOCKS protocol version this server speaks.
const Version = 0x05

// UserpassVersion is the RFC 1929 sub-negotiation version.
const UserpassVersion = 0x01

// AuthMethod is a SOCKS5 authentication method identifier.
type AuthMethod uint8

const (
	AuthNoAuth             AuthMethod = 0x00
	AuthUsernamePassword   AuthMethod = 0x02
	AuthNoAcceptableMethod AuthMethod = 0xFF
)

func (m AuthMethod) String() string {
	switch m {
	case AuthNoAuth:
		return "noauth"
	case AuthUsernamePassword:
		return "userpass"
	case AuthNoAcceptableMethod:
		return "no acceptable method"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(m))
	}
}

// Encode writes the method's single wire byte.
func (m AuthMethod) Encode(w io.Writer) error {
	return wire.WriteU8(w, uint8(m))
}

// ReadAuthMethod decodes an auth method byte, rejecting unknown values.
func ReadAuthMethod(r io.Reader) (AuthMethod, error) {
	b, err := wire.ReadU8(r)
	if err != nil {
		return 0, err
	}
	m := AuthMethod(b)
	switch m {
	case AuthNoAuth, AuthUsernamePassword, AuthNoAcceptableMethod:
		return m, nil
	default:
		return 0, wire.ErrInvalidData
	}
}

// RequestAddress is the destination of a CONNECT request: an IP literal or
// a domain name still to be resolved.
//
// The wire tags are 4 (IPv4), 6 (IPv6) and 200 (domain name); these match
// the SocketAddr family tags rather than the SOCKS ATYP bytes.
type RequestAddress struct {
	// Addr is the destination IP. Valid only when Domain is empty.
	Addr netip.Addr

	// Domain is the destination domain name, when the client sent ATYP 3.
	Domain string
}

const (
	requestAddrTagV4     = 4
	requestAddrTagV6     = 6
	requestAddrTagDomain = 200
)

// IsDomain reports whether the address is a domain name.
func (a RequestAddress) IsDomain() bool {
	return a.Domain != ""
}

func (a RequestAddress) String() string {
	if a.IsDomain() {
		return a.Domain
	}
	return a.Addr.String()
}

// Encode writes the tagged address.
func (a RequestAddress) Encode(w io.Writer) error {
	switch {
	case a.IsDomain():
		if err := wire.WriteU8(w, requestAddrTagDomain); err != nil {
			return err
		}
		return wire.WriteSmallString(w, a.Domain)
	case a.Addr.Is4() || a.Addr.Is4In6():
		if err := wire.WriteU8(w, requestAddrTagV4); err != nil {
			return err
		}
		octets := a.Addr.As4()
		_, err := w.Write(octets[:])
		return err
	default:
		if err := wire.WriteU8(w, requestAddrTagV6); err != nil {
			return err
		}
		octets := a.Addr.As16()
		_, err := w.Write(octets[:])
		return err
	}
}

// ReadRequestAddress decodes a tagged request address.
func ReadRequestAddress(r io.Reader) (RequestAddress, error) {
	tag, err := wire.ReadU8(r)
	if err != nil {
		return RequestAddress{}, err
	}
	switch tag {
	case requestAddrTagV4:
		var octets [4]byte
		if _, err := io.ReadFull(r, octets[:]); err != nil {
			return RequestAddress{}, unexpectedEOF(err)
		}
		return RequestAddress{Addr: netip.AddrFrom4(octets)}, nil
	case requestAddrTagV6:
		var octets [16]byte
		if _, err := io.ReadFull(r, octets[:]); err != nil {
			return RequestAddress{}, unexpectedEOF(err)
		}
		return RequestAddress{Addr: netip.AddrFrom16(octets)}, nil
	case requestAddrTagDomain:
		domain, err := wire.ReadSmallString(r)
		if err != nil {
			return RequestAddress{}, err
		}
		return RequestAddress{Domain: domain}, nil
	default:
		return RequestAddress{}, wire.ErrInvalidData
	}
}

// Request is a parsed CONNECT request: destination address plus port.
type Request struct {
	Destination RequestAddress
	Port        uint16
}

func (r Request) String() string {
	if r.Destination.IsDomain() {
		return fmt.Sprintf("%s:%d", r.Destination.Domain, r.Port)
	}
	return netip.AddrPortFrom(r.Destination.Addr, r.Port).String()
}

// Encode writes the request as address followed by port.
func (r Request) Encode(w io.Writer) error {
	if err := r.Destination.Encode(w); err != nil {
		return err
	}
	return wire.WriteU16(w, r.Port)
}

// ReadRequest decodes a request.
func ReadRequest(rd io.Reader) (Request, error) {
	dest, err := ReadRequestAddress(rd)
	if err != nil {
		return Request{}, err
	}
	port, err := wire.ReadU16(rd)
	if err != nil {
		return Request{}, err
	}
	return Request{Destination: dest, Port: port}, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
