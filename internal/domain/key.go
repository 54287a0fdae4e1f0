// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeySize はデータ暗号鍵の長さ（AES-256 = 32バイト）。
const KeySize = 32

// KeyStatus は暗号鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は現在有効な鍵を表す。activeな鍵は常にちょうど1本。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRetired はローテーションで退役した鍵を表す。
	// 進行中のローテーションが完了するまでの間だけ保持される。
	KeyStatusRetired KeyStatus = "retired"
)

// Key はレコードを保護するデータ暗号鍵（DEK）を表す。
type Key struct {
	ID         string
	Generation uint
	Material   []byte // 平文の鍵素材（KeySizeバイト）
	Status     KeyStatus
	CreatedAt  time.Time
}

// KeyMetadata は暗号鍵のメタデータを表す（鍵素材を含まない）。
type KeyMetadata struct {
	ID         string
	Generation uint
	Status     KeyStatus
	CreatedAt  time.Time
}

// Metadata は鍵素材を除いたメタデータを返す。
func (k *Key) Metadata() *KeyMetadata {
	return &KeyMetadata{
		ID:         k.ID,
		Generation: k.Generation,
		Status:     k.Status,
		CreatedAt:  k.CreatedAt,
	}
}
