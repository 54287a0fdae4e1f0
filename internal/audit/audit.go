// Package audit は鍵操作の監査ログを提供する。
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Entry は監査ログの構造体。
type Entry struct {
	Operation string `json:"operation"`
	KeyID     string `json:"key_id,omitempty"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

// Write は鍵操作の監査ログを出力する。鍵素材を含めてはならない。
func Write(ctx context.Context, operation string, keyID string, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"key_id", keyID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
