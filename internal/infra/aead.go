package infra

import (
	"context"
	"encoding/base64"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"google.golang.org/protobuf/proto"
)

// AEADSealer はローカルのルート鍵で鍵素材を封印・開封するSealer実装。
// KMSに接続できない環境向けで、封印結果はBlobInfoのprotobufとして保存される。
type AEADSealer struct {
	wrapper *aead.Wrapper
}

// NewAEADSealer はbase64エンコードされた256ビットのルート鍵からSealerを生成する。
func NewAEADSealer(ctx context.Context, rootKeyBase64 string) (*AEADSealer, error) {
	rootKey, err := base64.StdEncoding.DecodeString(rootKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding sealer root key: %w", err)
	}
	if len(rootKey) != 32 {
		return nil, fmt.Errorf("sealer root key must be 32 bytes, got %d", len(rootKey))
	}

	wrapper := aead.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, wrapping.WithKeyId("keyring-root")); err != nil {
		return nil, fmt.Errorf("configuring sealer: %w", err)
	}
	if err := wrapper.SetAesGcmKeyBytes(rootKey); err != nil {
		return nil, fmt.Errorf("setting sealer root key: %w", err)
	}
	return &AEADSealer{wrapper: wrapper}, nil
}

// Seal は鍵素材をルート鍵で暗号化する。
func (s *AEADSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	blob, err := s.wrapper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	data, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encoding sealed blob: %w", err)
	}
	return data, nil
}

// Unseal は封印済みの鍵素材をルート鍵で復号する。
func (s *AEADSealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	blob := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(sealed, blob); err != nil {
		return nil, fmt.Errorf("decoding sealed blob: %w", err)
	}
	plaintext, err := s.wrapper.Decrypt(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("unsealing: %w", err)
	}
	return plaintext, nil
}
