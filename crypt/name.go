package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/rfjakob/eme"
)

const (
	macLen = 4
	// EME accepts at most 128 blocks.
	maxSealed = 128 * aes.BlockSize
)

var (
	nameEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)
	nameCodecs   sync.Map
)

// NameCodec maps clear file names to their obfuscated backend form and
// back. Output is deterministic so a backend name can be re-derived on
// any later request.
//
// The stem is sealed as EME(pkcs7(stem || mac4)) and written in lower
// case base32hex. The extension stays in clear so type detection by path
// keeps working on the backend.
type NameCodec struct {
	block cipher.Block
	mac   []byte
	tweak []byte
}

// NewNameCodec returns the codec for a (password, tag) pair. Codecs are
// cached and safe for concurrent use.
func NewNameCodec(password string, tag Tag) (*NameCodec, error) {
	id := string(tag) + "\x00" + password
	if nc, ok := nameCodecs.Load(id); ok {
		return nc.(*NameCodec), nil
	}

	mk, err := deriveMaster(password, tag)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(mk.name[:])
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, mk.nameMac[:])
	h.Write([]byte("eme-tweak"))

	nc := &NameCodec{
		block: block,
		mac:   mk.nameMac[:],
		tweak: h.Sum(nil)[:aes.BlockSize],
	}
	actual, _ := nameCodecs.LoadOrStore(id, nc)
	return actual.(*NameCodec), nil
}

// Encode returns the obfuscated form of clearName.
func (nc *NameCodec) Encode(clearName string) (string, error) {
	if clearName == "" || clearName == "." || clearName == ".." {
		return clearName, nil
	}
	stem, ext := splitExt(clearName)

	data := append([]byte(stem), nc.sum([]byte(stem))...)
	data = pad16(data)
	if len(data) > maxSealed {
		return "", errs.NewCodec("encode", clearName, "name too long")
	}
	sealed := eme.Transform(nc.block, nc.tweak, data, eme.DirectionEncrypt)

	return strings.ToLower(nameEncoding.EncodeToString(sealed)) + ext, nil
}

// Decode reverses Encode. Names that were not produced by Encode under
// the same password and tag fail with a codec error.
func (nc *NameCodec) Decode(obfuscatedName string) (string, error) {
	stem, ext := splitExt(obfuscatedName)
	if stem == "" {
		return "", errs.NewCodec("decode", obfuscatedName, "empty name")
	}

	sealed, err := nameEncoding.DecodeString(strings.ToUpper(stem))
	if err != nil {
		return "", errs.NewCodec("decode", obfuscatedName, "not an encoded name")
	}
	if len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 || len(sealed) > maxSealed {
		return "", errs.NewCodec("decode", obfuscatedName, "bad length")
	}

	data := eme.Transform(nc.block, nc.tweak, sealed, eme.DirectionDecrypt)
	if data, err = unpad16(data); err != nil || len(data) < macLen {
		return "", errs.NewCodec("decode", obfuscatedName, "bad padding")
	}

	clear, tag := data[:len(data)-macLen], data[len(data)-macLen:]
	if !hmac.Equal(tag, nc.sum(clear)) {
		return "", errs.NewCodec("decode", obfuscatedName, "checksum mismatch")
	}
	return string(clear) + ext, nil
}

// DisplayName decodes a name as listed by a backend. It accepts a bare
// segment or a full href, percent-encoded or not.
func (nc *NameCodec) DisplayName(backendName string) (string, error) {
	name := strings.TrimSuffix(backendName, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if dec, err := url.PathUnescape(name); err == nil {
		name = dec
	}
	return nc.Decode(name)
}

func (nc *NameCodec) sum(b []byte) []byte {
	h := hmac.New(sha256.New, nc.mac)
	h.Write(b)
	return h.Sum(nil)[:macLen]
}

// EncodeName is shorthand for NewNameCodec(password, tag).Encode(name).
func EncodeName(password string, tag Tag, name string) (string, error) {
	nc, err := NewNameCodec(password, tag)
	if err != nil {
		return "", err
	}
	return nc.Encode(name)
}

// DecodeName is shorthand for NewNameCodec(password, tag).Decode(name).
func DecodeName(password string, tag Tag, name string) (string, error) {
	nc, err := NewNameCodec(password, tag)
	if err != nil {
		return "", err
	}
	return nc.Decode(name)
}

// DeriveDisplayName is shorthand for NewNameCodec(password, tag).DisplayName(name).
func DeriveDisplayName(password string, tag Tag, backendName string) (string, error) {
	nc, err := NewNameCodec(password, tag)
	if err != nil {
		return "", err
	}
	return nc.DisplayName(backendName)
}

// splitExt separates the final extension. Dot files have no extension.
func splitExt(name string) (stem, ext string) {
	ext = path.Ext(name)
	if ext == name || strings.HasSuffix(strings.TrimSuffix(name, ext), "/") {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

// pad16 applies PKCS#7 padding to a 16 byte boundary.
func pad16(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad16(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, errs.NewCodec("unpad", "", "unaligned size")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, errs.NewCodec("unpad", "", "bad padding length")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errs.NewCodec("unpad", "", "bad padding byte")
		}
	}
	return b[:len(b)-n], nil
}
