package domain

// NonceSize はGCM標準のノンス長（12バイト）。
const NonceSize = 12

// TagSize はGCMの認証タグ長（16バイト）。
const TagSize = 16

// EncryptedRecord は暗号化済みレコードを表す。
// KeyIDは復号に必要な鍵への参照であり、鍵の所有はKeyStoreが持つ。
type EncryptedRecord struct {
	KeyID      string `json:"key_id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// Valid はレコードが構造的に復号可能な形かを確認する。
func (r *EncryptedRecord) Valid() bool {
	if r == nil {
		return false
	}
	return r.KeyID != "" && len(r.Nonce) == NonceSize && len(r.Tag) == TagSize
}
