package infra

import (
	"context"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// KMSSealer はCloud KMSで鍵素材を封印・開封するSealer実装。
type KMSSealer struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSSealer は指定したKMS鍵を使うSealerを生成する。
func NewKMSSealer(ctx context.Context, keyName string) (*KMSSealer, error) {
	if keyName == "" {
		return nil, errors.New("kms key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSSealer{
		client:  client,
		keyName: keyName,
	}, nil
}

// Seal は鍵素材をCloud KMSで暗号化する。
func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      s.keyName,
		Plaintext: plaintext,
	}
	resp, err := s.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	return resp.Ciphertext, nil
}

// Unseal は封印済みの鍵素材をCloud KMSで復号する。
func (s *KMSSealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       s.keyName,
		Ciphertext: sealed,
	}
	resp, err := s.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unsealing: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (s *KMSSealer) Close() error {
	return s.client.Close()
}
