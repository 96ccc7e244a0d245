// Package bfd implements the BFD protocol engine (RFC 5880): the wire codec,
// the per-session state machine, discriminator allocation, and the session
// manager that demultiplexes inbound packets to sessions.
package bfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Wire sizes (RFC 5880 §4.1)
// -------------------------------------------------------------------------

// Version is the only BFD protocol version this codec understands.
const Version uint8 = 1

// HeaderSize is the fixed BFD Control packet header: six 32-bit words.
const HeaderSize = 24

// MaxPacketSize upper-bounds a Control packet: header plus the largest
// defined auth section (SHA1, 28 bytes), rounded up for buffer alignment.
const MaxPacketSize = 64

// MinPacketSizeNoAuth is the smallest legal Length value when A=0.
const MinPacketSizeNoAuth = 24

// MinPacketSizeWithAuth is the smallest legal Length value when A=1:
// the 24-byte header plus a 2-byte Auth Type/Auth Len pair.
const MinPacketSizeWithAuth = 26

const (
	unknownStr = "Unknown"
	unknownFmt = "Unknown(%d)"
)

// Fixed auth-section geometry (RFC 5880 §§4.2-4.4). authLenMD5/authLenSHA1
// are the Auth Len values mandated for the hashed auth types; the password
// bounds apply only to Simple Password.
const (
	authLenMD5  = 24
	authLenSHA1 = 28

	md5DigestSize  = 16
	sha1DigestSize = 20

	simplePasswordMinLen = 1
	simplePasswordMaxLen = 16

	// authSimpleHeaderSize is Auth Type + Auth Len + Auth Key ID, the bytes
	// preceding the password itself.
	authSimpleHeaderSize = 3
)

// -------------------------------------------------------------------------
// Enumerations — Diag, State, AuthType (RFC 5880 §4.1)
// -------------------------------------------------------------------------

// Diag is the 5-bit BFD Diagnostic code carried in every Control packet,
// explaining the reason for the most recent local state change.
type Diag uint8

const (
	DiagNone                  Diag = 0
	DiagControlTimeExpired    Diag = 1
	DiagEchoFailed            Diag = 2
	DiagNeighborDown          Diag = 3
	DiagForwardingPlaneReset  Diag = 4
	DiagPathDown              Diag = 5
	DiagConcatPathDown        Diag = 6
	DiagAdminDown             Diag = 7
	DiagReverseConcatPathDown Diag = 8
)

var diagText = [...]string{
	DiagNone:                  "None",
	DiagControlTimeExpired:    "Control Detection Time Expired",
	DiagEchoFailed:            "Echo Function Failed",
	DiagNeighborDown:          "Neighbor Signaled Session Down",
	DiagForwardingPlaneReset:  "Forwarding Plane Reset",
	DiagPathDown:              "Path Down",
	DiagConcatPathDown:        "Concatenated Path Down",
	DiagAdminDown:             "Administratively Down",
	DiagReverseConcatPathDown: "Reverse Concatenated Path Down",
}

// String renders the diagnostic code for logs and test failure messages.
func (d Diag) String() string {
	if int(d) < len(diagText) {
		return diagText[d]
	}
	return fmt.Sprintf(unknownFmt, d)
}

// State is the 2-bit BFD session state carried in every Control packet.
type State uint8

const (
	StateAdminDown State = 0
	StateDown      State = 1
	StateInit      State = 2
	StateUp        State = 3
)

var stateText = [...]string{
	StateAdminDown: "AdminDown",
	StateDown:      "Down",
	StateInit:      "Init",
	StateUp:        "Up",
}

// String renders the session state for logs and test failure messages.
func (s State) String() string {
	if int(s) < len(stateText) {
		return stateText[s]
	}
	return fmt.Sprintf(unknownFmt, s)
}

// AuthType selects the authentication mechanism described by an AuthSection.
type AuthType uint8

const (
	AuthTypeNone                AuthType = 0
	AuthTypeSimplePassword      AuthType = 1
	AuthTypeKeyedMD5            AuthType = 2
	AuthTypeMeticulousKeyedMD5  AuthType = 3
	AuthTypeKeyedSHA1           AuthType = 4
	AuthTypeMeticulousKeyedSHA1 AuthType = 5
)

var authTypeText = [...]string{
	AuthTypeNone:                "None",
	AuthTypeSimplePassword:      "Simple Password",
	AuthTypeKeyedMD5:            "Keyed MD5",
	AuthTypeMeticulousKeyedMD5:  "Meticulous Keyed MD5",
	AuthTypeKeyedSHA1:           "Keyed SHA1",
	AuthTypeMeticulousKeyedSHA1: "Meticulous Keyed SHA1",
}

// String renders the auth type for logs and test failure messages.
func (a AuthType) String() string {
	if int(a) < len(authTypeText) {
		return authTypeText[a]
	}
	return fmt.Sprintf(unknownFmt, a)
}

// -------------------------------------------------------------------------
// ControlPacket / AuthSection
// -------------------------------------------------------------------------

// ControlPacket is a decoded BFD Control packet. Field names follow the RFC
// so the codec reads as a direct transcription of the wire layout. Every
// interval field is in microseconds, matching the wire representation;
// convert at the boundary with time.Duration(field) * time.Microsecond.
type ControlPacket struct {
	Version uint8
	Diag    Diag
	State   State

	Poll                    bool // P: requests a verification round
	Final                   bool // F: answers a received Poll
	ControlPlaneIndependent bool // C: BFD does not share fate with the control plane
	AuthPresent             bool // A: an AuthSection follows the header
	Demand                  bool // D: Demand mode active at the sender
	Multipoint              bool // M: reserved, MUST be zero

	DetectMult uint8
	Length     uint8

	MyDiscriminator   uint32 // bytes 4-7
	YourDiscriminator uint32 // bytes 8-11

	DesiredMinTxInterval      uint32 // bytes 12-15, microseconds
	RequiredMinRxInterval     uint32 // bytes 16-19, microseconds
	RequiredMinEchoRxInterval uint32 // bytes 20-23, microseconds; 0 = no Echo support

	// Auth is nil whenever AuthPresent is false.
	Auth *AuthSection
}

// AuthSection is the optional authentication block following the header.
// Its shape depends on Type:
//
//   - Simple Password: Type(1) Len(1) KeyID(1) Password(1-16); Len = len(Password)+3.
//   - Keyed/Meticulous MD5: Type(1) Len(1) KeyID(1) Reserved(1) SeqNum(4) Digest(16); Len = 24.
//   - Keyed/Meticulous SHA1: same shape, Digest(20); Len = 28.
type AuthSection struct {
	Type  AuthType
	Len   uint8
	KeyID uint8

	// AuthData is the Simple Password payload (Type == AuthTypeSimplePassword only).
	AuthData []byte

	// SequenceNumber guards against replay for the MD5/SHA1 types.
	SequenceNumber uint32

	// Digest is the MD5 (16B) or SHA1 (20B) hash for the hashed auth types.
	//
	// Both AuthData and Digest alias the buffer passed to
	// UnmarshalControlPacket — callers that recycle that buffer through
	// PacketPool before finishing with the packet must copy first.
	Digest []byte
}

// -------------------------------------------------------------------------
// Codec errors
// -------------------------------------------------------------------------

// Sentinel errors surfaced by UnmarshalControlPacket, one per RFC 5880
// §6.8.6 validation step (plus a few codec-internal failure modes).
var (
	ErrInvalidVersion        = errors.New("invalid BFD version")
	ErrPacketTooShort        = errors.New("packet too short")
	ErrInvalidLength         = errors.New("invalid length field")
	ErrLengthExceedsPayload  = errors.New("length exceeds payload")
	ErrZeroDetectMult        = errors.New("detect multiplier is zero")
	ErrMultipointSet         = errors.New("multipoint bit is set")
	ErrZeroMyDiscriminator   = errors.New("my discriminator is zero")
	ErrZeroYourDiscriminator = errors.New("your discriminator is zero in non-Down state")
	ErrAuthMismatch          = errors.New("auth present bit and auth section mismatch")
	ErrBufTooSmall           = errors.New("buffer too small for BFD control packet")
	ErrInvalidAuthType       = errors.New("invalid auth type")
	ErrAuthSectionTruncated  = errors.New("auth section truncated")
)

const decodeErrPrefix = "decode BFD control packet"

// -------------------------------------------------------------------------
// Marshal
// -------------------------------------------------------------------------

// MarshalControlPacket writes pkt to buf in RFC 5880 §4.1 wire format and
// returns the number of bytes written. buf must hold at least HeaderSize
// bytes, or HeaderSize+pkt.Auth.Len when an auth section is present;
// callers typically supply a MaxPacketSize buffer drawn from PacketPool.
//
// Layout:
//
//	byte 0       version(3) | diag(5)
//	byte 1       state(2) | P F C A D M
//	byte 2       detect mult
//	byte 3       length
//	bytes 4-7    my discriminator       (big-endian u32)
//	bytes 8-11   your discriminator     (big-endian u32)
//	bytes 12-15  desired min tx interval (big-endian u32, µs)
//	bytes 16-19  required min rx interval (big-endian u32, µs)
//	bytes 20-23  required min echo rx interval (big-endian u32, µs)
//	bytes 24+    auth section, if present
func MarshalControlPacket(pkt *ControlPacket, buf []byte) (int, error) {
	total := HeaderSize
	if pkt.AuthPresent && pkt.Auth != nil {
		total += int(pkt.Auth.Len)
	}
	if len(buf) < total {
		return 0, fmt.Errorf("marshal control packet: need %d bytes, got %d: %w",
			total, len(buf), ErrBufTooSmall)
	}

	putFixedHeader(pkt, uint8(total), buf)
	binary.BigEndian.PutUint32(buf[4:8], pkt.MyDiscriminator)
	binary.BigEndian.PutUint32(buf[8:12], pkt.YourDiscriminator)
	binary.BigEndian.PutUint32(buf[12:16], pkt.DesiredMinTxInterval)
	binary.BigEndian.PutUint32(buf[16:20], pkt.RequiredMinRxInterval)
	binary.BigEndian.PutUint32(buf[20:24], pkt.RequiredMinEchoRxInterval)

	if pkt.AuthPresent && pkt.Auth != nil {
		if err := putAuthSection(pkt.Auth, buf[HeaderSize:]); err != nil {
			return 0, fmt.Errorf("marshal auth section: %w", err)
		}
	}

	return total, nil
}

// putFixedHeader packs the first four header bytes: version/diag, the six
// flag bits alongside state, detect mult, and the already-computed length.
func putFixedHeader(pkt *ControlPacket, length uint8, buf []byte) {
	buf[0] = (pkt.Version << 5) | (uint8(pkt.Diag) & 0x1F)

	flags := uint8(pkt.State) << 6
	for _, bit := range []struct {
		set   bool
		shift uint
	}{
		{pkt.Poll, 5},
		{pkt.Final, 4},
		{pkt.ControlPlaneIndependent, 3},
		{pkt.AuthPresent, 2},
		{pkt.Demand, 1},
		{pkt.Multipoint, 0},
	} {
		if bit.set {
			flags |= 1 << bit.shift
		}
	}
	buf[1] = flags

	buf[2] = pkt.DetectMult
	buf[3] = length
}

// putAuthSection serializes auth into buf, which the caller has already
// sized to at least auth.Len bytes.
func putAuthSection(auth *AuthSection, buf []byte) error {
	if int(auth.Len) > len(buf) {
		return fmt.Errorf("auth section needs %d bytes, buffer has %d: %w",
			auth.Len, len(buf), ErrBufTooSmall)
	}

	buf[0] = uint8(auth.Type)
	buf[1] = auth.Len

	switch auth.Type {
	case AuthTypeSimplePassword:
		buf[2] = auth.KeyID
		copy(buf[3:], auth.AuthData)

	case AuthTypeKeyedMD5, AuthTypeMeticulousKeyedMD5,
		AuthTypeKeyedSHA1, AuthTypeMeticulousKeyedSHA1:
		// MD5 and SHA1 share a layout; only the trailing digest width differs,
		// which is already reflected in auth.Len.
		buf[2] = auth.KeyID
		buf[3] = 0 // reserved, MUST be zero on transmit
		binary.BigEndian.PutUint32(buf[4:8], auth.SequenceNumber)
		copy(buf[8:], auth.Digest)

	default:
		return fmt.Errorf("auth type %d: %w", auth.Type, ErrInvalidAuthType)
	}

	return nil
}

// -------------------------------------------------------------------------
// Unmarshal
// -------------------------------------------------------------------------

// UnmarshalControlPacket decodes buf into pkt and applies the mandatory
// validation steps of RFC 5880 §6.8.6 (1 through 7): version, length
// bounds, detect mult, the multipoint bit, and both discriminators. Steps
// 8 onward (auth verification, FSM transition, timer updates) belong to
// the session layer and are intentionally not performed here.
//
// pkt is filled in place with no allocation beyond the AuthSection, if any;
// AuthSection.AuthData/Digest alias buf (see AuthSection's doc comment).
func UnmarshalControlPacket(buf []byte, pkt *ControlPacket) error {
	if len(buf) < MinPacketSizeNoAuth {
		return fmt.Errorf("%s: received %d bytes, minimum %d: %w",
			decodeErrPrefix, len(buf), MinPacketSizeNoAuth, ErrPacketTooShort)
	}

	parseFixedHeader(buf, pkt)

	if err := checkHeaderFields(buf, pkt); err != nil {
		return err
	}

	parseBody(buf, pkt)

	if err := checkDiscriminators(pkt); err != nil {
		return err
	}

	pkt.Auth = nil
	if pkt.AuthPresent {
		auth := &AuthSection{}
		if err := parseAuthSection(buf[HeaderSize:pkt.Length], auth); err != nil {
			return fmt.Errorf("%s: %w", decodeErrPrefix, err)
		}
		pkt.Auth = auth
	}

	return nil
}

// parseFixedHeader unpacks the first four header bytes into pkt.
func parseFixedHeader(buf []byte, pkt *ControlPacket) {
	pkt.Version = buf[0] >> 5
	pkt.Diag = Diag(buf[0] & 0x1F)

	flags := buf[1]
	pkt.State = State(flags >> 6)
	pkt.Poll = flags&(1<<5) != 0
	pkt.Final = flags&(1<<4) != 0
	pkt.ControlPlaneIndependent = flags&(1<<3) != 0
	pkt.AuthPresent = flags&(1<<2) != 0
	pkt.Demand = flags&(1<<1) != 0
	pkt.Multipoint = flags&(1<<0) != 0

	pkt.DetectMult = buf[2]
	pkt.Length = buf[3]
}

// checkHeaderFields applies RFC 5880 §6.8.6 steps 1-5: version, the two
// Length bounds, nonzero detect mult, and a clear multipoint bit.
func checkHeaderFields(buf []byte, pkt *ControlPacket) error {
	if pkt.Version != Version {
		return fmt.Errorf("%s: version %d: %w",
			decodeErrPrefix, pkt.Version, ErrInvalidVersion)
	}

	minLen := uint8(MinPacketSizeNoAuth)
	if pkt.AuthPresent {
		minLen = MinPacketSizeWithAuth
	}
	if pkt.Length < minLen {
		return fmt.Errorf("%s: length field %d below minimum %d (auth=%t): %w",
			decodeErrPrefix, pkt.Length, minLen, pkt.AuthPresent, ErrInvalidLength)
	}

	if int(pkt.Length) > len(buf) {
		return fmt.Errorf("%s: length field %d exceeds payload %d: %w",
			decodeErrPrefix, pkt.Length, len(buf), ErrLengthExceedsPayload)
	}

	if pkt.DetectMult == 0 {
		return fmt.Errorf("%s: %w", decodeErrPrefix, ErrZeroDetectMult)
	}

	if pkt.Multipoint {
		return fmt.Errorf("%s: %w", decodeErrPrefix, ErrMultipointSet)
	}

	return nil
}

// parseBody unpacks the 20-byte discriminator/interval block following the
// fixed header.
func parseBody(buf []byte, pkt *ControlPacket) {
	pkt.MyDiscriminator = binary.BigEndian.Uint32(buf[4:8])
	pkt.YourDiscriminator = binary.BigEndian.Uint32(buf[8:12])
	pkt.DesiredMinTxInterval = binary.BigEndian.Uint32(buf[12:16])
	pkt.RequiredMinRxInterval = binary.BigEndian.Uint32(buf[16:20])
	pkt.RequiredMinEchoRxInterval = binary.BigEndian.Uint32(buf[20:24])
}

// checkDiscriminators applies RFC 5880 §6.8.6 steps 6-7: My Discriminator
// must be nonzero, and Your Discriminator may only be zero while the
// sender reports Down or AdminDown.
func checkDiscriminators(pkt *ControlPacket) error {
	if pkt.MyDiscriminator == 0 {
		return fmt.Errorf("%s: %w", decodeErrPrefix, ErrZeroMyDiscriminator)
	}

	if pkt.YourDiscriminator == 0 && pkt.State != StateDown && pkt.State != StateAdminDown {
		return fmt.Errorf("%s: state %s with zero your discriminator: %w",
			decodeErrPrefix, pkt.State, ErrZeroYourDiscriminator)
	}

	return nil
}

// parseAuthSection decodes the authentication block. buf holds only the
// auth bytes; the fixed header has already been stripped by the caller.
func parseAuthSection(buf []byte, auth *AuthSection) error {
	if len(buf) < 2 {
		return fmt.Errorf("auth section: need at least 2 bytes, got %d: %w",
			len(buf), ErrAuthSectionTruncated)
	}

	auth.Type = AuthType(buf[0])
	auth.Len = buf[1]

	if int(auth.Len) > len(buf) {
		return fmt.Errorf("auth section: len field %d exceeds available data %d: %w",
			auth.Len, len(buf), ErrAuthSectionTruncated)
	}

	switch auth.Type {
	case AuthTypeSimplePassword:
		return parseSimplePassword(buf, auth)
	case AuthTypeKeyedMD5, AuthTypeMeticulousKeyedMD5:
		return parseHashedAuth(buf, auth, authLenMD5, md5DigestSize, "MD5")
	case AuthTypeKeyedSHA1, AuthTypeMeticulousKeyedSHA1:
		return parseHashedAuth(buf, auth, authLenSHA1, sha1DigestSize, "SHA1")
	default:
		return fmt.Errorf("auth section: type %d: %w", auth.Type, ErrInvalidAuthType)
	}
}

// parseSimplePassword decodes a Simple Password auth section (RFC 5880 §4.2).
func parseSimplePassword(buf []byte, auth *AuthSection) error {
	if auth.Len < uint8(authSimpleHeaderSize+simplePasswordMinLen) {
		return fmt.Errorf("auth section: simple password len %d too short: %w",
			auth.Len, ErrAuthSectionTruncated)
	}
	if len(buf) < int(auth.Len) {
		return fmt.Errorf("auth section: simple password needs %d bytes, got %d: %w",
			auth.Len, len(buf), ErrAuthSectionTruncated)
	}

	auth.KeyID = buf[2]
	pwLen := int(auth.Len) - authSimpleHeaderSize
	if pwLen < simplePasswordMinLen || pwLen > simplePasswordMaxLen {
		return fmt.Errorf("auth section: simple password length %d out of range [%d, %d]: %w",
			pwLen, simplePasswordMinLen, simplePasswordMaxLen, ErrAuthSectionTruncated)
	}
	auth.AuthData = buf[3 : 3+pwLen]

	return nil
}

// parseHashedAuth decodes the shared MD5/SHA1 auth layout (RFC 5880 §§4.3-4.4).
func parseHashedAuth(buf []byte, auth *AuthSection, wantLen uint8, digestSize int, name string) error {
	if auth.Len != wantLen {
		return fmt.Errorf("auth section: %s auth len %d, expected %d: %w",
			name, auth.Len, wantLen, ErrInvalidLength)
	}
	if len(buf) < int(wantLen) {
		return fmt.Errorf("auth section: %s needs %d bytes, got %d: %w",
			name, wantLen, len(buf), ErrAuthSectionTruncated)
	}

	auth.KeyID = buf[2]
	// buf[3] is Reserved; RFC 5880 says ignore on receipt.
	auth.SequenceNumber = binary.BigEndian.Uint32(buf[4:8])
	auth.Digest = buf[8 : 8+digestSize]

	return nil
}

// -------------------------------------------------------------------------
// PacketPool
// -------------------------------------------------------------------------

// PacketPool recycles MaxPacketSize buffers for the receive/send hot path,
// so a steady stream of Control packets does not churn the allocator. The
// pool holds *[]byte rather than []byte to avoid boxing the slice header
// on every Get/Put.
//
//	bufp := PacketPool.Get().(*[]byte)
//	defer PacketPool.Put(bufp)
//	n, meta, err := conn.ReadPacket(*bufp)
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}
