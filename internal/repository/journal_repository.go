// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/NGC-337-2/secure-health-api/internal/domain"
)

// RotationRunModel はrotation_runsテーブルのモデル。
type RotationRunModel struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	OldKeyID  string    `gorm:"type:char(36);not null"`
	NewKeyID  string    `gorm:"type:char(36);not null"`
	State     string    `gorm:"type:varchar(16);not null;index:idx_rotation_runs_state"`
	Detail    string    `gorm:"type:text"`
	StartedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を指定。
func (RotationRunModel) TableName() string {
	return "rotation_runs"
}

func (m *RotationRunModel) toDomain() *domain.RotationRun {
	return &domain.RotationRun{
		ID:        m.ID,
		OldKeyID:  m.OldKeyID,
		NewKeyID:  m.NewKeyID,
		State:     domain.RotationState(m.State),
		Detail:    m.Detail,
		StartedAt: m.StartedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// RotationRecordModel はrotation_recordsテーブルのモデル。
// 実行中のローテーションにおけるレコードごとの進捗を持つ。
type RotationRecordModel struct {
	RunID     string    `gorm:"type:char(36);primaryKey"`
	RecordID  string    `gorm:"type:varchar(128);primaryKey"`
	State     string    `gorm:"type:varchar(16);not null;index:idx_rotation_records_state"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を指定。
func (RotationRecordModel) TableName() string {
	return "rotation_records"
}

// JournalRepository はローテーションの耐久マーカーを管理するリポジトリ。
// 中断されたローテーションは、ここに残った実行と進捗から再開される。
type JournalRepository struct {
	db *gorm.DB
}

// NewJournalRepository はジャーナル用テーブルを準備してJournalRepositoryを生成する。
func NewJournalRepository(db *gorm.DB) (*JournalRepository, error) {
	if err := db.AutoMigrate(&RotationRunModel{}, &RotationRecordModel{}); err != nil {
		return nil, err
	}
	return &JournalRepository{db: db}, nil
}

// ActiveRun は終端状態に達していない実行を返す。なければnilを返す。
func (r *JournalRepository) ActiveRun(ctx context.Context) (*domain.RotationRun, error) {
	var model RotationRunModel
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", []string{
			string(domain.RotationStateDone),
			string(domain.RotationStateFailed),
		}).
		Order("started_at ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active rotation run",
			"operation", "active_run",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// CreateRun は新しい実行を記録する。
func (r *JournalRepository) CreateRun(ctx context.Context, run *domain.RotationRun) error {
	model := &RotationRunModel{
		ID:       run.ID,
		OldKeyID: run.OldKeyID,
		NewKeyID: run.NewKeyID,
		State:    string(run.State),
		Detail:   run.Detail,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create rotation run",
			"operation", "create_run",
			"run_id", run.ID,
			"error", err,
		)
		return err
	}
	run.StartedAt = model.StartedAt
	run.UpdatedAt = model.UpdatedAt
	return nil
}

// UpdateRunState は実行の状態を進める。
func (r *JournalRepository) UpdateRunState(ctx context.Context, runID string, state domain.RotationState, detail string) error {
	err := r.db.WithContext(ctx).
		Model(&RotationRunModel{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{
			"state":  string(state),
			"detail": detail,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update rotation run state",
			"operation", "update_run_state",
			"run_id", runID,
			"state", state,
			"error", err,
		)
		return err
	}
	return nil
}

// MarkRecord はレコードの移行進捗を記録する。同じレコードへの記録は上書きされる。
func (r *JournalRepository) MarkRecord(ctx context.Context, runID, recordID string, state domain.MigrationState) error {
	model := &RotationRecordModel{
		RunID:    runID,
		RecordID: recordID,
		State:    string(state),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark rotation record",
			"operation", "mark_record",
			"run_id", runID,
			"record_id", recordID,
			"state", state,
			"error", err,
		)
		return err
	}
	return nil
}

// RecordStates は実行に属する全レコードの進捗をIDで引けるマップにして返す。
func (r *JournalRepository) RecordStates(ctx context.Context, runID string) (map[string]domain.MigrationState, error) {
	var models []RotationRecordModel
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to load rotation record states",
			"operation", "record_states",
			"run_id", runID,
			"error", err,
		)
		return nil, err
	}

	states := make(map[string]domain.MigrationState, len(models))
	for _, m := range models {
		states[m.RecordID] = domain.MigrationState(m.State)
	}
	return states, nil
}

// CountRecords は実行に属するレコード数を進捗状態ごとに集計する。
func (r *JournalRepository) CountRecords(ctx context.Context, runID string) (map[domain.MigrationState]int, error) {
	type row struct {
		State string
		Count int
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&RotationRecordModel{}).
		Select("state, COUNT(*) as count").
		Where("run_id = ?", runID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count rotation records",
			"operation", "count_records",
			"run_id", runID,
			"error", err,
		)
		return nil, err
	}

	counts := make(map[domain.MigrationState]int, len(rows))
	for _, r := range rows {
		counts[domain.MigrationState(r.State)] = r.Count
	}
	return counts, nil
}

// Runs は全実行を開始時刻の降順で返す。
func (r *JournalRepository) Runs(ctx context.Context) ([]*domain.RotationRun, error) {
	var models []RotationRunModel
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list rotation runs",
			"operation", "list_runs",
			"error", err,
		)
		return nil, err
	}

	runs := make([]*domain.RotationRun, len(models))
	for i, m := range models {
		runs[i] = m.toDomain()
	}
	return runs, nil
}
