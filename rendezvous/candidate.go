package rendezvous

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jl1nie/wifikey2/wkerr"
)

const (
	flagLocalPresent     = 1 << 0
	flagReflexivePresent = 1 << 1
)

// Endpoint is a single IPv4 (host, UDP port) candidate.
type Endpoint struct {
	IP   net.IP // 4-byte IPv4
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// CandidateSet is one peer's advertised address candidates: an optional local socket
// address and an optional STUN-discovered reflexive address, per spec section 3.
type CandidateSet struct {
	Local     *Endpoint
	Reflexive *Endpoint
}

// marshalPlaintext serializes a CandidateSet to the fixed layout from spec section 6.
func (c CandidateSet) marshalPlaintext() []byte {
	var flags byte
	if c.Local != nil {
		flags |= flagLocalPresent
	}
	if c.Reflexive != nil {
		flags |= flagReflexivePresent
	}

	buf := make([]byte, 0, 1+6+6)
	buf = append(buf, flags)
	if c.Local != nil {
		buf = appendEndpoint(buf, *c.Local)
	}
	if c.Reflexive != nil {
		buf = appendEndpoint(buf, *c.Reflexive)
	}
	return buf
}

func appendEndpoint(buf []byte, e Endpoint) []byte {
	ip4 := e.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	buf = append(buf, ip4...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], e.Port)
	return append(buf, portBytes[:]...)
}

// unmarshalPlaintext parses the fixed layout back into a CandidateSet.
func unmarshalPlaintext(b []byte) (CandidateSet, error) {
	if len(b) < 1 {
		return CandidateSet{}, fmt.Errorf("rendezvous: empty candidate payload: %w", wkerr.ErrProtocol)
	}
	flags := b[0]
	off := 1

	var cs CandidateSet
	if flags&flagLocalPresent != 0 {
		e, next, err := readEndpoint(b, off)
		if err != nil {
			return CandidateSet{}, err
		}
		cs.Local = &e
		off = next
	}
	if flags&flagReflexivePresent != 0 {
		e, next, err := readEndpoint(b, off)
		if err != nil {
			return CandidateSet{}, err
		}
		cs.Reflexive = &e
		off = next
	}
	_ = off
	return cs, nil
}

func readEndpoint(b []byte, off int) (Endpoint, int, error) {
	if len(b) < off+6 {
		return Endpoint{}, 0, fmt.Errorf("rendezvous: truncated candidate payload: %w", wkerr.ErrProtocol)
	}
	ip := net.IPv4(b[off], b[off+1], b[off+2], b[off+3])
	port := binary.BigEndian.Uint16(b[off+4 : off+6])
	return Endpoint{IP: ip, Port: port}, off + 6, nil
}

// derivePassphraseKey truncates or zero-pads the passphrase's UTF-8 bytes to exactly 32
// bytes, per spec section 6's ChaCha20-Poly1305 key derivation.
func derivePassphraseKey(passphrase string) [chacha20poly1305.KeySize]byte {
	var key [chacha20poly1305.KeySize]byte
	copy(key[:], []byte(passphrase))
	return key
}

// EncryptCandidateSet serializes and encrypts a CandidateSet under the passphrase-derived
// key, ready to publish as a broker payload. The 12-byte nonce is prepended in plaintext.
func EncryptCandidateSet(cs CandidateSet, passphrase string) ([]byte, error) {
	key := derivePassphraseKey(passphrase)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rendezvous: generate nonce: %w", err)
	}

	plaintext := cs.marshalPlaintext()
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptCandidateSet reverses EncryptCandidateSet. A payload sealed under a different
// passphrase fails AEAD authentication and returns wkerr.ErrAuth; per spec section 4.1,
// callers must treat this as "ignore payload silently", never logging the peer address.
func DecryptCandidateSet(payload []byte, passphrase string) (CandidateSet, error) {
	if len(payload) < chacha20poly1305.NonceSize {
		return CandidateSet{}, fmt.Errorf("rendezvous: payload shorter than nonce: %w", wkerr.ErrProtocol)
	}
	key := derivePassphraseKey(passphrase)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return CandidateSet{}, fmt.Errorf("rendezvous: build aead: %w", err)
	}

	nonce := payload[:chacha20poly1305.NonceSize]
	ciphertext := payload[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return CandidateSet{}, fmt.Errorf("rendezvous: decrypt candidate set: %w", wkerr.ErrAuth)
	}

	return unmarshalPlaintext(plaintext)
}
