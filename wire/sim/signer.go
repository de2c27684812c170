package sim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/user/attengine/wire/gap"
	"github.com/user/attengine/wire/l2cap"
)

// Signer is a security service backed by a shared signing key. Signatures
// are a 4-byte sign counter followed by the top 8 bytes of
// AES-CMAC(key, data || counter), as on a real LE link.
type Signer struct {
	block cipher.Block

	mu       sync.Mutex
	result   gap.SecurityResult
	counter  uint32
	lastSeen map[l2cap.BDAddr]uint32
	seen     map[l2cap.BDAddr]bool
}

// NewSigner creates a signer for a 16-byte key
func NewSigner(key []byte) (*Signer, error) {
	if len(key) != 16 {
		return nil, errors.Errorf("sim: signing key is %d bytes, want 16", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "sim: signing key")
	}
	return &Signer{
		block:    block,
		lastSeen: make(map[l2cap.BDAddr]uint32),
		seen:     make(map[l2cap.BDAddr]bool),
	}, nil
}

// SetSecurityResult fixes the answer to every later security request
func (s *Signer) SetSecurityResult(res gap.SecurityResult) {
	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
}

// RequestSecurityAsync grants or refuses link security
func (s *Signer) RequestSecurityAsync(req gap.SecurityRequest, done func(gap.SecurityResult)) error {
	s.mu.Lock()
	res := s.result
	s.mu.Unlock()
	go done(res)
	return nil
}

// DataSignatureGenerationAsync signs data with the next counter value
func (s *Signer) DataSignatureGenerationAsync(addr l2cap.BDAddr, data []byte, done func(gap.SignatureResult, gap.Signature)) error {
	s.mu.Lock()
	counter := s.counter
	s.counter++
	s.mu.Unlock()

	sig := s.sign(data, counter)
	go done(gap.SignatureOK, sig)
	return nil
}

// DataSignatureConfirmationAsync checks a signature from addr. A counter that
// does not move forward is a replay.
func (s *Signer) DataSignatureConfirmationAsync(addr l2cap.BDAddr, data []byte, sig gap.Signature, done func(gap.SignatureResult)) error {
	counter := binary.LittleEndian.Uint32(sig[:4])
	want := s.sign(data, counter)

	res := gap.SignatureOK
	s.mu.Lock()
	switch {
	case s.seen[addr] && counter <= s.lastSeen[addr]:
		res = gap.SignatureErrCounter
	case subtle.ConstantTimeCompare(want[:], sig[:]) != 1:
		res = gap.SignatureErrAlgorithm
	default:
		s.lastSeen[addr] = counter
		s.seen[addr] = true
	}
	s.mu.Unlock()

	go done(res)
	return nil
}

func (s *Signer) sign(data []byte, counter uint32) gap.Signature {
	var sig gap.Signature
	binary.LittleEndian.PutUint32(sig[:4], counter)
	msg := make([]byte, 0, len(data)+4)
	msg = append(msg, data...)
	msg = append(msg, sig[:4]...)
	mac := cmac(s.block, msg)
	copy(sig[4:], mac[:8])
	return sig
}

// cmac is AES-CMAC (RFC 4493)
func cmac(block cipher.Block, msg []byte) [16]byte {
	var l, k1, k2 [16]byte
	block.Encrypt(l[:], l[:])
	subkey(&k1, &l)
	subkey(&k2, &k1)

	n := (len(msg) + 15) / 16
	complete := n > 0 && len(msg)%16 == 0
	if n == 0 {
		n = 1
	}

	var last [16]byte
	rest := msg[(n-1)*16:]
	copy(last[:], rest)
	if complete {
		xorInto(&last, &k1)
	} else {
		last[len(rest)] = 0x80
		xorInto(&last, &k2)
	}

	var x [16]byte
	for i := 0; i < n-1; i++ {
		for j := 0; j < 16; j++ {
			x[j] ^= msg[i*16+j]
		}
		block.Encrypt(x[:], x[:])
	}
	xorInto(&x, &last)
	block.Encrypt(x[:], x[:])
	return x
}

// subkey doubles src in GF(2^128)
func subkey(dst, src *[16]byte) {
	for i := 0; i < 16; i++ {
		dst[i] = src[i] << 1
		if i < 15 {
			dst[i] |= src[i+1] >> 7
		}
	}
	if src[0]&0x80 != 0 {
		dst[15] ^= 0x87
	}
}

func xorInto(dst, src *[16]byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
