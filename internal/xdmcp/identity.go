package xdmcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
)

// ServerIdentity is process-wide, immutable-after-init state shared by the
// admission policy and the session table: the local hostname in wire form,
// a human-readable system id, and the session serial allocator (§3).
type ServerIdentity struct {
	HostnameWire []byte // ARRAY8 form of the local hostname, ready to embed on the wire
	SysID        string // "sysname release", used as the fallback Willing status

	serial *SerialAllocator
}

// NewServerIdentity builds a ServerIdentity from the running host's
// hostname and uname-equivalent fields. sysname/release are passed in
// rather than read via syscall.Uname so the value is trivially testable.
// cmd/xdmcpd builds its identity through NewServerIdentityFromHost, which
// passes a fixed sysname/release pair, not the host's uname values.
func NewServerIdentity(hostname, sysname, release string) *ServerIdentity {
	return &ServerIdentity{
		HostnameWire: []byte(hostname),
		SysID:        sysname + " " + release,
		serial:       NewSerialAllocator(),
	}
}

// NewServerIdentityFromHost builds a ServerIdentity using os.Hostname and a
// generic sysname/release pair suitable for a Go daemon (there is no
// portable equivalent of uname(2) in the standard library).
func NewServerIdentityFromHost() (*ServerIdentity, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve local hostname: %w", err)
	}
	return NewServerIdentity(host, "xdmcpd", "1"), nil
}

// NextSerial allocates the next session_id (§3, §4.5 next_serial).
func (s *ServerIdentity) NextSerial() (uint32, error) {
	return s.serial.Next()
}

// SerialAllocator is a monotonically incrementing, randomly seeded 32-bit
// counter used to mint session_ids. Unlike the teacher's fully-random
// DiscriminatorAllocator (internal/bfd/discriminator.go), spec.md calls for
// increment-then-fetch with a random reseed on wraparound rather than
// per-allocation randomness — the counter shape below keeps the teacher's
// crypto/rand seeding and re-roll-on-zero idiom but drops its collision set,
// since a 32-bit counter cannot collide with itself within one process
// lifetime.
type SerialAllocator struct {
	next uint32
}

// NewSerialAllocator seeds the counter with a random, non-zero starting
// value via crypto/rand (as the teacher's allocator does for unpredictability).
func NewSerialAllocator() *SerialAllocator {
	return &SerialAllocator{next: randomNonZeroU32()}
}

// Next increments then returns the serial. On overflow (wrap to 0) it
// reseeds randomly, re-rolling until non-zero, exactly per spec.md §4.5's
// "wrap to random non-zero on overflow; re-roll if 0".
func (s *SerialAllocator) Next() (uint32, error) {
	s.next++
	if s.next == 0 {
		s.next = randomNonZeroU32()
	}
	return s.next, nil
}

// randomNonZeroU32 draws a non-zero random uint32 via crypto/rand, retrying
// on the (astronomically unlikely) zero draw.
func randomNonZeroU32() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand failures are not expected in a normal environment;
			// fall back to a fixed non-zero seed rather than looping forever.
			return 1
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v != 0 {
			return v
		}
	}
}
