package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// chachaBlock is the ChaCha20 keystream block size.
const chachaBlock = 64

// Session is the per-request state of the content cipher. A Session is
// positioned at a plaintext offset and advances by one for every byte
// passed through it. Sessions are never shared between requests.
type Session struct {
	tag   Tag
	size  int64
	pos   int64
	key   []byte
	nonce []byte
	block cipher.Block

	stream cipher.Stream
}

// NewSession derives the keystream for a file of totalSize bytes and
// positions it at offset 0. totalSize takes part in key derivation, so a
// session built with the wrong size cannot decrypt the file.
func NewSession(password string, tag Tag, totalSize int64) (*Session, error) {
	if totalSize < 0 {
		return nil, errs.NewCipher("new session", "negative size")
	}
	mk, err := deriveMaster(password, tag)
	if err != nil {
		return nil, err
	}

	s := &Session{tag: tag, size: totalSize, key: make([]byte, 32)}
	switch tag {
	case AesCtr:
		s.nonce = make([]byte, aes.BlockSize)
	case ChaCha20:
		if (totalSize+chachaBlock-1)/chachaBlock > 1<<32 {
			return nil, errs.NewCipher("new session", "file too large for chacha20 counter")
		}
		s.nonce = make([]byte, chacha20.NonceSize)
	default:
		return nil, errs.NewCipher("new session", fmt.Sprintf("unsupported tag %q", tag))
	}

	info := string(tag) + "|" + strconv.FormatInt(totalSize, 10)
	kdf := hkdf.New(sha256.New, mk.content[:], nil, []byte(info))
	if _, err = io.ReadFull(kdf, s.key); err == nil {
		_, err = io.ReadFull(kdf, s.nonce)
	}
	if err != nil {
		return nil, errs.NewCipher("new session", err.Error())
	}

	if tag == AesCtr {
		if s.block, err = aes.NewCipher(s.key); err != nil {
			return nil, errs.NewCipher("new session", err.Error())
		}
	}

	return s, s.Seek(0)
}

// Size returns the plaintext size the session was derived for.
func (s *Session) Size() int64 {
	return s.size
}

// Position returns the plaintext offset of the next byte.
func (s *Session) Position() int64 {
	return s.pos
}

// Seek jumps to offset in constant time: the keystream is restarted at
// block offset/blockSize and the remainder of that block is discarded.
func (s *Session) Seek(offset int64) error {
	if offset < 0 || offset > s.size {
		return errs.NewCipher("seek",
			fmt.Sprintf("offset %d outside file of %d bytes", offset, s.size))
	}

	var skip int
	switch s.tag {
	case AesCtr:
		iv := make([]byte, aes.BlockSize)
		copy(iv, s.nonce)
		addCounter(iv, uint64(offset/aes.BlockSize))
		s.stream = cipher.NewCTR(s.block, iv)
		skip = int(offset % aes.BlockSize)
	case ChaCha20:
		c, err := chacha20.NewUnauthenticatedCipher(s.key, s.nonce)
		if err != nil {
			return errs.NewCipher("seek", err.Error())
		}
		c.SetCounter(uint32(offset / chachaBlock))
		s.stream = c
		skip = int(offset % chachaBlock)
	}

	if skip > 0 {
		discard := make([]byte, skip)
		s.stream.XORKeyStream(discard, discard)
	}
	s.pos = offset
	return nil
}

// XORKeyStream transforms src into dst and advances the position. The
// transform is its own inverse.
func (s *Session) XORKeyStream(dst, src []byte) error {
	if s.pos+int64(len(src)) > s.size {
		return errs.NewCipher("transform",
			fmt.Sprintf("stream exceeds file size of %d bytes", s.size))
	}
	s.stream.XORKeyStream(dst, src)
	s.pos += int64(len(src))
	return nil
}

// DecryptReader returns a reader producing plaintext from the ciphertext
// in r, starting at the session's current position.
func (s *Session) DecryptReader(r io.Reader) io.Reader {
	return &streamReader{src: r, s: s}
}

// EncryptReader returns a reader producing ciphertext from the plaintext
// in r, starting at the session's current position.
func (s *Session) EncryptReader(r io.Reader) io.Reader {
	return &streamReader{src: r, s: s}
}

// streamReader deliberately implements only io.Reader so io.Copy never
// bypasses the transform through WriterTo.
type streamReader struct {
	src io.Reader
	s   *Session
}

func (sr *streamReader) Read(p []byte) (int, error) {
	n, err := sr.src.Read(p)
	if n > 0 {
		if xErr := sr.s.XORKeyStream(p[:n], p[:n]); xErr != nil {
			return 0, xErr
		}
	}
	return n, err
}

// addCounter adds n to the big-endian 128 bit integer in iv.
func addCounter(iv []byte, n uint64) {
	lo := binary.BigEndian.Uint64(iv[8:])
	hi := binary.BigEndian.Uint64(iv[:8])
	sum := lo + n
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(iv[8:], sum)
	binary.BigEndian.PutUint64(iv[:8], hi)
}
