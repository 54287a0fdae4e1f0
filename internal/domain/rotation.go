package domain

import "time"

// RotationState はローテーション実行の進行状態を表す
type RotationState string

const (
	// RotationStateKeyGenerated は新しい鍵の生成・永続化が済んだ状態。
	RotationStateKeyGenerated RotationState = "key_generated"
	// RotationStateReencrypting は全レコードをステージング領域へ再暗号化中の状態。
	RotationStateReencrypting RotationState = "reencrypting"
	// RotationStateCommitting はステージング済みレコードを本体へ差し替え中の状態。
	RotationStateCommitting RotationState = "committing"
	// RotationStateDone は新しい鍵の昇格と旧鍵の破棄まで完了した終端状態。
	RotationStateDone RotationState = "done"
	// RotationStateFailed は失敗した終端状態。ストアはローテーション前のまま。
	RotationStateFailed RotationState = "failed"
)

// Terminal は終端状態（再開不可能な状態）かどうかを返す。
func (s RotationState) Terminal() bool {
	return s == RotationStateDone || s == RotationStateFailed
}

// RotationRun は1回のローテーション実行を表すドメインモデル
type RotationRun struct {
	ID        string        // 実行ID（UUID）
	OldKeyID  string        // 退役させる鍵のID
	NewKeyID  string        // 昇格させる鍵のID
	State     RotationState // 現在の状態（遷移ごとに永続化される）
	Detail    string        // 失敗時の理由など
	StartedAt time.Time
	UpdatedAt time.Time
}

// MigrationState は個別レコードの移行状態を表す
type MigrationState string

const (
	// MigrationStateStaged は再暗号化済みレコードがステージング領域に書かれた状態。
	MigrationStateStaged MigrationState = "staged"
	// MigrationStateCommitted は再暗号化済みレコードが本体へ昇格した状態。
	MigrationStateCommitted MigrationState = "committed"
)

// RecordMigration はレコード1件の移行状況を表すドメインモデル。
// 各レコードの移行状態は制御フローからの推測ではなく、参照可能な事実として記録される。
type RecordMigration struct {
	RunID     string
	RecordID  string
	State     MigrationState
	UpdatedAt time.Time
}
