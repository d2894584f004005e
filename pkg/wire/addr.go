package wire

import (
	"io"
	"net/netip"
	"strconv"
)

// Socket address encoding, tagged with the address family:
//
//	SocketAddrV4: 4 octets, u16 port
//	SocketAddrV6: 16 octets, u16 port, u32 flowinfo, u32 scope_id
//	SocketAddr:   u8 tag (4 = V4, 6 = V6), then the variant
//
// Go represents addresses as netip.AddrPort, which has no flowinfo field;
// flowinfo is written as zero and discarded on read. The scope id maps to
// the address zone when it is numeric.

const (
	addrTagV4 = 4
	addrTagV6 = 6
)

func WriteAddrPort(w io.Writer, ap netip.AddrPort) error {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		if err := WriteU8(w, addrTagV4); err != nil {
			return err
		}
		return writeAddrPortV4(w, ap)
	}
	if err := WriteU8(w, addrTagV6); err != nil {
		return err
	}
	return writeAddrPortV6(w, ap)
}

func ReadAddrPort(r io.Reader) (netip.AddrPort, error) {
	tag, err := ReadU8(r)
	if err != nil {
		return netip.AddrPort{}, eof(err)
	}
	switch tag {
	case addrTagV4:
		return readAddrPortV4(r)
	case addrTagV6:
		return readAddrPortV6(r)
	default:
		return netip.AddrPort{}, invalidf("unknown socket address tag %d", tag)
	}
}

func writeAddrPortV4(w io.Writer, ap netip.AddrPort) error {
	octets := ap.Addr().As4()
	if _, err := w.Write(octets[:]); err != nil {
		return err
	}
	return WriteU16(w, ap.Port())
}

func readAddrPortV4(r io.Reader) (netip.AddrPort, error) {
	var octets [4]byte
	if _, err := io.ReadFull(r, octets[:]); err != nil {
		return netip.AddrPort{}, eof(err)
	}
	port, err := ReadU16(r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(netip.AddrFrom4(octets), port), nil
}

func writeAddrPortV6(w io.Writer, ap netip.AddrPort) error {
	octets := ap.Addr().As16()
	if _, err := w.Write(octets[:]); err != nil {
		return err
	}
	if err := WriteU16(w, ap.Port()); err != nil {
		return err
	}
	if err := WriteU32(w, 0); err != nil { // flowinfo
		return err
	}
	return WriteU32(w, zoneToScopeID(ap.Addr().Zone()))
}

func readAddrPortV6(r io.Reader) (netip.AddrPort, error) {
	var octets [16]byte
	if _, err := io.ReadFull(r, octets[:]); err != nil {
		return netip.AddrPort{}, eof(err)
	}
	port, err := ReadU16(r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if _, err := ReadU32(r); err != nil { // flowinfo
		return netip.AddrPort{}, err
	}
	scope, err := ReadU32(r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr := netip.AddrFrom16(octets)
	if scope != 0 {
		addr = addr.WithZone(strconv.FormatUint(uint64(scope), 10))
	}
	return netip.AddrPortFrom(addr, port), nil
}

func zoneToScopeID(zone string) uint32 {
	if zone == "" {
		return 0
	}
	id, err := strconv.ParseUint(zone, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(id)
}
