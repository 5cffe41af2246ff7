// Package envelope wraps successful JSON responses in a compressed and
// encrypted {"data": ...} envelope.
package envelope

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/oriys/tenantgate/internal/secrets"
)

// maxPlaintext bounds what Open will inflate.
const maxPlaintext = 64 << 20

// Stage names where an envelope operation failed.
const (
	StageCompress = "compress"
	StageEncrypt  = "encrypt"
	StageDecode   = "decode"
	StageDecrypt  = "decrypt"
	StageInflate  = "inflate"
)

// EncryptionError reports a failed envelope transform.
type EncryptionError struct {
	Stage string
	Err   error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("envelope %s: %v", e.Stage, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Codec turns a payload into base64(AES-GCM(gzip(payload))) and back.
type Codec struct {
	cipher *secrets.Cipher
	level  int
}

// NewCodec creates a codec. level is a gzip level; 0 selects the default.
func NewCodec(cipher *secrets.Cipher, level int) (*Codec, error) {
	if cipher == nil {
		return nil, fmt.Errorf("envelope: cipher is required")
	}
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("envelope: invalid gzip level %d", level)
	}
	return &Codec{cipher: cipher, level: level}, nil
}

// NewCodecFromSecret derives the envelope key from secret.
func NewCodecFromSecret(secret string) (*Codec, error) {
	c, err := secrets.NewCipherFromSecret(secret, secrets.PurposeResponseEnvelope)
	if err != nil {
		return nil, err
	}
	return NewCodec(c, 0)
}

// Seal compresses, encrypts and encodes payload.
func (c *Codec) Seal(payload []byte) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return "", &EncryptionError{Stage: StageCompress, Err: err}
	}
	if _, err := zw.Write(payload); err != nil {
		return "", &EncryptionError{Stage: StageCompress, Err: err}
	}
	if err := zw.Close(); err != nil {
		return "", &EncryptionError{Stage: StageCompress, Err: err}
	}

	ct, err := c.cipher.Encrypt(buf.Bytes())
	if err != nil {
		return "", &EncryptionError{Stage: StageEncrypt, Err: err}
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open reverses Seal.
func (c *Codec) Open(data string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &EncryptionError{Stage: StageDecode, Err: err}
	}
	compressed, err := c.cipher.Decrypt(ct)
	if err != nil {
		return nil, &EncryptionError{Stage: StageDecrypt, Err: err}
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, &EncryptionError{Stage: StageInflate, Err: err}
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxPlaintext+1))
	if err != nil {
		return nil, &EncryptionError{Stage: StageInflate, Err: err}
	}
	if len(out) > maxPlaintext {
		return nil, &EncryptionError{Stage: StageInflate, Err: fmt.Errorf("payload exceeds %d bytes", maxPlaintext)}
	}
	return out, nil
}
