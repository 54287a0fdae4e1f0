// Package crypto はレコード単位の認証付き暗号化・復号を提供する。
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/NGC-337-2/secure-health-api/internal/domain"
)

// Codec はAES-256-GCMで単一レコードを暗号化・復号する。
// 鍵の状態は保持せず、呼び出しごとに渡された鍵だけを使う。
type Codec struct{}

// NewCodec は新しいCodecを生成する。
func NewCodec() *Codec {
	return &Codec{}
}

// Encrypt は平文を暗号化し、鍵ID・ノンス・暗号文・認証タグを持つレコードを返す。
// 鍵IDを追加認証データとして束縛するため、鍵IDの差し替えは復号時に検出される。
// ノンスは96ビットの乱数で、衝突確率は運用上無視できる。
func (c *Codec) Encrypt(plaintext []byte, key *domain.Key) (*domain.EncryptedRecord, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, domain.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEntropyUnavailable, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, []byte(key.ID))
	tagStart := len(sealed) - domain.TagSize
	return &domain.EncryptedRecord{
		KeyID:      key.ID,
		Nonce:      nonce,
		Ciphertext: sealed[:tagStart],
		Tag:        sealed[tagStart:],
	}, nil
}

// Decrypt は認証タグを検証したうえで平文を返す。
// 暗号文・ノンス・タグ・鍵IDのいずれかが改竄されている場合、または
// レコードの鍵IDと異なる鍵が渡された場合はErrAuthenticationFailedを返す。
// 検証に失敗したとき、部分的な平文が返ることはない。
func (c *Codec) Decrypt(rec *domain.EncryptedRecord, key *domain.Key) ([]byte, error) {
	if rec == nil || !rec.Valid() {
		return nil, domain.ErrInvalidRecord
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(rec.Ciphertext)+len(rec.Tag))
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.Tag...)

	plaintext, err := aead.Open(nil, rec.Nonce, sealed, []byte(rec.KeyID))
	if err != nil {
		return nil, domain.ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newAEAD(key *domain.Key) (cipher.AEAD, error) {
	if key == nil || len(key.Material) != domain.KeySize {
		return nil, domain.ErrInvalidKeyMaterial
	}
	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return aead, nil
}
