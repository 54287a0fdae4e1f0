package domain

import "errors"

var (
	// ErrEntropyUnavailable は暗号学的乱数源が利用できない場合のエラー。致命的でリトライしない。
	ErrEntropyUnavailable = errors.New("entropy source unavailable")

	// ErrNotInitialized は鍵が一度も生成されていない場合のエラー。
	ErrNotInitialized = errors.New("key store not initialized")

	// ErrKeyNotFound は指定されたIDの鍵が存在しない（または破棄済みの）場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists は初期化済みストアに対して強制なしで鍵生成した場合のエラー。
	ErrKeyExists = errors.New("key already exists")

	// ErrInvalidKeyMaterial は鍵素材の長さ・形式が不正な場合のエラー。
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrAuthenticationFailed は認証タグの検証に失敗した場合のエラー。
	// レコードの破損・改竄、または主張と異なる鍵での暗号化を意味する。
	ErrAuthenticationFailed = errors.New("record authentication failed")

	// ErrInvalidRecord は暗号化レコードの構造が不正な場合のエラー。
	ErrInvalidRecord = errors.New("invalid encrypted record")

	// ErrRecordNotFound は指定されたIDのレコードが存在しない場合のエラー。
	ErrRecordNotFound = errors.New("record not found")

	// ErrRotationInProgress は別のローテーションが進行中の場合のエラー。呼び出し側は後で再試行できる。
	ErrRotationInProgress = errors.New("rotation already in progress")

	// ErrRotationAborted はローテーションが失敗として終了した場合のエラー。
	// ストアとステージングはローテーション前の状態に戻されている。
	ErrRotationAborted = errors.New("rotation aborted")

	// ErrRotationNotFound は再開可能なローテーション実行が存在しない場合のエラー。
	ErrRotationNotFound = errors.New("no resumable rotation run")

	// ErrStoreNotQuiesced は再走査の上限まで未移行レコードが現れ続けた場合のエラー。
	ErrStoreNotQuiesced = errors.New("record store still growing after bounded sweeps")
)
