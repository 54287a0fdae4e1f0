package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/NGC-337-2/secure-health-api/internal/domain"
)

const walkBatch = 256

// EncryptedRecordModel はencrypted_recordsテーブルのモデル。
type EncryptedRecordModel struct {
	ID         string    `gorm:"type:varchar(128);primaryKey"`
	KeyID      string    `gorm:"type:char(36);not null;index:idx_encrypted_records_key_id"`
	Nonce      []byte    `gorm:"type:varbinary(12);not null"`
	Ciphertext []byte    `gorm:"type:blob;not null"`
	Tag        []byte    `gorm:"type:varbinary(16);not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を指定。
func (EncryptedRecordModel) TableName() string {
	return "encrypted_records"
}

func (m *EncryptedRecordModel) toDomain() *domain.EncryptedRecord {
	return &domain.EncryptedRecord{
		KeyID:      m.KeyID,
		Nonce:      m.Nonce,
		Ciphertext: m.Ciphertext,
		Tag:        m.Tag,
	}
}

// StagedRecordModel はstaged_recordsテーブルのモデル。
// 再暗号化の途中結果を本体から隔離して保持する。
type StagedRecordModel struct {
	ID         string    `gorm:"type:varchar(128);primaryKey"`
	KeyID      string    `gorm:"type:char(36);not null"`
	Nonce      []byte    `gorm:"type:varbinary(12);not null"`
	Ciphertext []byte    `gorm:"type:blob;not null"`
	Tag        []byte    `gorm:"type:varbinary(16);not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (StagedRecordModel) TableName() string {
	return "staged_records"
}

// RecordRepository はデータベースを保管域とするレコードストア。
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository はレコード用テーブルを準備してRecordRepositoryを生成する。
func NewRecordRepository(db *gorm.DB) (*RecordRepository, error) {
	if err := db.AutoMigrate(&EncryptedRecordModel{}, &StagedRecordModel{}); err != nil {
		return nil, err
	}
	return &RecordRepository{db: db}, nil
}

// Get はidのレコードを読み出す。存在しなければErrRecordNotFoundを返す。
func (r *RecordRepository) Get(ctx context.Context, id string) (*domain.EncryptedRecord, error) {
	var model EncryptedRecordModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRecordNotFound
		}
		slog.ErrorContext(ctx, "failed to find record",
			"operation", "get_record",
			"record_id", id,
			"error", err,
		)
		return nil, err
	}
	rec := model.toDomain()
	if !rec.Valid() {
		return nil, fmt.Errorf("%w: record %s", domain.ErrInvalidRecord, id)
	}
	return rec, nil
}

// Put はレコードを書き込む。既存のレコードは上書きされる。
func (r *RecordRepository) Put(ctx context.Context, id string, rec *domain.EncryptedRecord) error {
	if rec == nil || !rec.Valid() {
		return domain.ErrInvalidRecord
	}
	model := &EncryptedRecordModel{
		ID:         id,
		KeyID:      rec.KeyID,
		Nonce:      rec.Nonce,
		Ciphertext: rec.Ciphertext,
		Tag:        rec.Tag,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_id", "nonce", "ciphertext", "tag", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to put record",
			"operation", "put_record",
			"record_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// Stage は再暗号化済みレコードをステージング用テーブルへ書き込む。
func (r *RecordRepository) Stage(ctx context.Context, id string, rec *domain.EncryptedRecord) error {
	if rec == nil || !rec.Valid() {
		return domain.ErrInvalidRecord
	}
	model := &StagedRecordModel{
		ID:         id,
		KeyID:      rec.KeyID,
		Nonce:      rec.Nonce,
		Ciphertext: rec.Ciphertext,
		Tag:        rec.Tag,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_id", "nonce", "ciphertext", "tag"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to stage record",
			"operation", "stage_record",
			"record_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// CommitStaged はステージング済みレコードをトランザクション内で本体へ昇格する。
func (r *RecordRepository) CommitStaged(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var staged StagedRecordModel
		if err := tx.Where("id = ?", id).First(&staged).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no staged record %s", domain.ErrRecordNotFound, id)
			}
			return err
		}

		live := &EncryptedRecordModel{
			ID:         staged.ID,
			KeyID:      staged.KeyID,
			Nonce:      staged.Nonce,
			Ciphertext: staged.Ciphertext,
			Tag:        staged.Tag,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_id", "nonce", "ciphertext", "tag", "updated_at"}),
		}).Create(live).Error; err != nil {
			return err
		}

		return tx.Delete(&StagedRecordModel{}, "id = ?", id).Error
	})
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		slog.ErrorContext(ctx, "failed to commit staged record",
			"operation", "commit_staged",
			"record_id", id,
			"error", err,
		)
	}
	return err
}

// DiscardStaged はステージング用テーブルを空にする。本体には影響しない。
func (r *RecordRepository) DiscardStaged(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&StagedRecordModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to discard staged records",
			"operation", "discard_staged",
			"error", err,
		)
		return err
	}
	return nil
}

// Walk は全レコードのIDを1件ずつfnへ渡す。キーセットページングで読み進める
// ため、全件をメモリに載せることはない。
func (r *RecordRepository) Walk(ctx context.Context, fn func(id string) error) error {
	last := ""
	for {
		var ids []string
		err := r.db.WithContext(ctx).
			Model(&EncryptedRecordModel{}).
			Where("id > ?", last).
			Order("id ASC").
			Limit(walkBatch).
			Pluck("id", &ids).Error
		if err != nil {
			slog.ErrorContext(ctx, "failed to walk records",
				"operation", "walk_records",
				"error", err,
			)
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(id); err != nil {
				return err
			}
		}
		last = ids[len(ids)-1]
	}
}
