package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/NGC-337-2/secure-health-api/internal/audit"
	"github.com/NGC-337-2/secure-health-api/internal/domain"
	"github.com/NGC-337-2/secure-health-api/pkg/secutil"
)

// RotationJournal はローテーションの耐久マーカーを管理するインターフェース。
// 実行の状態遷移とレコードごとの進捗は、遷移のたびにここへ記録される。
type RotationJournal interface {
	ActiveRun(ctx context.Context) (*domain.RotationRun, error)
	CreateRun(ctx context.Context, run *domain.RotationRun) error
	UpdateRunState(ctx context.Context, runID string, state domain.RotationState, detail string) error
	MarkRecord(ctx context.Context, runID, recordID string, state domain.MigrationState) error
	RecordStates(ctx context.Context, runID string) (map[string]domain.MigrationState, error)
	CountRecords(ctx context.Context, runID string) (map[domain.MigrationState]int, error)
	Runs(ctx context.Context) ([]*domain.RotationRun, error)
}

const (
	defaultWorkers = 4

	// maxSweeps は再暗号化フェーズの走査回数の上限。
	// 走査のたびに新しいレコードが現れ続ける場合、この回数で打ち切って失敗させる。
	maxSweeps = 3

	storeMaxRetries = 3
)

// RotationStatus はローテーション実行1件の概況。
type RotationStatus struct {
	Run       *domain.RotationRun
	Staged    int
	Committed int
}

// RotationService は鍵ローテーションの実行と再開を提供する。
//
// 1回のローテーションは 鍵生成(key_generated) → 再暗号化(reencrypting) →
// コミット(committing) → 完了(done) と進み、各遷移はジャーナルに永続化される。
// 途中でプロセスが落ちても、次のRotate呼び出しがジャーナルから同じ実行を
// 引き継いで続きを行う。再暗号化フェーズでの失敗はステージングを破棄して
// failedで終わり、本体のレコードには一切触れない。
type RotationService struct {
	keys    KeyStore
	store   RecordStore
	journal RotationJournal
	codec   RecordCodec
	workers int

	mu sync.Mutex
}

// NewRotationService は新しいRotationServiceを生成する。
// workersが0以下の場合は既定の並列度を使う。
func NewRotationService(keys KeyStore, store RecordStore, journal RotationJournal, codec RecordCodec, workers int) *RotationService {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &RotationService{
		keys:    keys,
		store:   store,
		journal: journal,
		codec:   codec,
		workers: workers,
	}
}

// Rotate はローテーションを1回実行する。
// 中断された実行がジャーナルに残っている場合は、新しい実行を始めずにそれを再開する。
// 同一プロセス内で並行に呼ばれた場合、後続はErrRotationInProgressを返す。
// ctxのキャンセルはレコード境界で検出され、実行は再開可能なまま停止する。
func (s *RotationService) Rotate(ctx context.Context) (*domain.RotationRun, error) {
	if !s.mu.TryLock() {
		return nil, domain.ErrRotationInProgress
	}
	defer s.mu.Unlock()

	ctx, span := otel.Tracer("rotation").Start(ctx, "KeyRotation")
	defer span.End()

	run, err := s.journal.ActiveRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking for interrupted rotation: %w", err)
	}
	if run == nil {
		if run, err = s.begin(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rotation begin failed")
			return nil, err
		}
	} else {
		slog.InfoContext(ctx, "resuming interrupted rotation",
			"operation", "rotate",
			"run_id", run.ID,
			"state", string(run.State),
		)
	}

	if err := s.advance(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rotation failed")
		audit.Write(ctx, "ROTATE_KEY", run.NewKeyID, "FAILED")
		return run, err
	}

	audit.Write(ctx, "ROTATE_KEY", run.NewKeyID, "SUCCESS")
	return run, nil
}

// Status は全ローテーション実行の概況を新しい順で返す。
func (s *RotationService) Status(ctx context.Context) ([]*RotationStatus, error) {
	runs, err := s.journal.Runs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing rotation runs: %w", err)
	}

	statuses := make([]*RotationStatus, 0, len(runs))
	for _, run := range runs {
		counts, err := s.journal.CountRecords(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("counting rotation records: %w", err)
		}
		statuses = append(statuses, &RotationStatus{
			Run:       run,
			Staged:    counts[domain.MigrationStateStaged],
			Committed: counts[domain.MigrationStateCommitted],
		})
	}
	return statuses, nil
}

// begin は新しい鍵を生成し、実行をジャーナルに記録する。
func (s *RotationService) begin(ctx context.Context) (*domain.RotationRun, error) {
	active, err := s.keys.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	secutil.Zeroize(active.Material)

	newKey, err := s.keys.Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating rotation key: %w", err)
	}
	secutil.Zeroize(newKey.Material)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEntropyUnavailable, err)
	}

	run := &domain.RotationRun{
		ID:       id.String(),
		OldKeyID: active.ID,
		NewKeyID: newKey.ID,
		State:    domain.RotationStateKeyGenerated,
	}
	if err := s.journal.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("journaling rotation start: %w", err)
	}

	// 過去の実行が残したステージングを片付けてから始める
	if err := s.store.DiscardStaged(ctx); err != nil {
		return nil, fmt.Errorf("clearing staging area: %w", err)
	}

	slog.InfoContext(ctx, "rotation started",
		"operation", "rotate",
		"run_id", run.ID,
		"old_key_id", run.OldKeyID,
		"new_key_id", run.NewKeyID,
	)
	return run, nil
}

// advance は実行を現在の状態から終端まで進める。
func (s *RotationService) advance(ctx context.Context, run *domain.RotationRun) error {
	if run.State == domain.RotationStateKeyGenerated || run.State == domain.RotationStateReencrypting {
		if err := s.reencrypt(ctx, run); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.WarnContext(ctx, "rotation interrupted, run will resume on next invocation",
					"operation", "rotate",
					"run_id", run.ID,
				)
				return err
			}
			return s.abort(ctx, run, err)
		}
		if err := s.setState(ctx, run, domain.RotationStateCommitting, ""); err != nil {
			return err
		}
	}

	if run.State == domain.RotationStateCommitting {
		if err := s.commit(ctx, run); err != nil {
			// コミット中の失敗は再開可能なまま残す。一部のレコードは既に
			// 新鍵でコミット済みだが、旧鍵も昇格前の新鍵も揃っているため
			// 全レコードが読める状態は保たれている。
			return err
		}
		if err := s.finish(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// reencrypt は全レコードを新鍵で再暗号化してステージングへ書き出す。
// 本体のレコードには一切書き込まない。
func (s *RotationService) reencrypt(ctx context.Context, run *domain.RotationRun) error {
	if err := s.setState(ctx, run, domain.RotationStateReencrypting, ""); err != nil {
		return err
	}

	oldKey, err := s.keys.Get(ctx, run.OldKeyID)
	if err != nil {
		return fmt.Errorf("loading rotation source key: %w", err)
	}
	defer secutil.Zeroize(oldKey.Material)

	newKey, err := s.keys.Get(ctx, run.NewKeyID)
	if err != nil {
		return fmt.Errorf("loading rotation target key: %w", err)
	}
	defer secutil.Zeroize(newKey.Material)

	// 走査中に書き込まれたレコードを取りこぼさないよう、新規ステージが
	// 出なくなるまで走査を繰り返す
	for sweep := 1; ; sweep++ {
		staged, err := s.sweep(ctx, run, oldKey, newKey)
		if err != nil {
			return err
		}
		if staged == 0 {
			return nil
		}
		slog.InfoContext(ctx, "re-encryption sweep finished",
			"operation", "rotate",
			"run_id", run.ID,
			"sweep", sweep,
			"staged", staged,
		)
		if sweep >= maxSweeps {
			return fmt.Errorf("%w: new records kept appearing after %d sweeps", domain.ErrStoreNotQuiesced, sweep)
		}
	}
}

// sweep は保管域を1回走査し、未処理レコードを並列に再暗号化してステージする。
// 新たにステージしたレコード数を返す。
func (s *RotationService) sweep(ctx context.Context, run *domain.RotationRun, oldKey, newKey *domain.Key) (int, error) {
	handled, err := s.journal.RecordStates(ctx, run.ID)
	if err != nil {
		return 0, fmt.Errorf("loading rotation progress: %w", err)
	}

	var staged atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	walkErr := s.store.Walk(gctx, func(id string) error {
		if _, ok := handled[id]; ok {
			return nil
		}
		g.Go(func() error {
			didStage, err := s.stageRecord(gctx, run, oldKey, newKey, id)
			if err != nil {
				return err
			}
			if didStage {
				staged.Add(1)
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if walkErr != nil {
		return 0, fmt.Errorf("walking records: %w", walkErr)
	}
	return int(staged.Load()), nil
}

// stageRecord はレコード1件を復号・再暗号化してステージングへ書き込む。
// 実際に新規ステージした場合にtrueを返す。
func (s *RotationService) stageRecord(ctx context.Context, run *domain.RotationRun, oldKey, newKey *domain.Key, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		// 走査後に消えたレコードは対象外
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading record %s: %w", id, err)
	}

	switch rec.KeyID {
	case newKey.ID:
		// 中断前の実行で既にコミットまで済んでいた
		if err := s.journal.MarkRecord(ctx, run.ID, id, domain.MigrationStateCommitted); err != nil {
			return false, fmt.Errorf("journaling migrated record %s: %w", id, err)
		}
		return false, nil
	case oldKey.ID:
	default:
		return false, fmt.Errorf("record %s is encrypted under unexpected key %s", id, rec.KeyID)
	}

	plaintext, err := s.codec.Decrypt(rec, oldKey)
	if err != nil {
		return false, fmt.Errorf("decrypting record %s: %w", id, err)
	}
	reencrypted, err := s.codec.Encrypt(plaintext, newKey)
	secutil.Zeroize(plaintext)
	if err != nil {
		return false, fmt.Errorf("re-encrypting record %s: %w", id, err)
	}

	stage := func() error { return s.store.Stage(ctx, id, reencrypted) }
	if err := backoff.Retry(stage, s.retryPolicy(ctx)); err != nil {
		return false, fmt.Errorf("staging record %s: %w", id, err)
	}
	if err := s.journal.MarkRecord(ctx, run.ID, id, domain.MigrationStateStaged); err != nil {
		return false, fmt.Errorf("journaling staged record %s: %w", id, err)
	}
	return true, nil
}

// commit はステージング済みレコードを1件ずつ本体へ昇格する。
func (s *RotationService) commit(ctx context.Context, run *domain.RotationRun) error {
	states, err := s.journal.RecordStates(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("loading rotation progress: %w", err)
	}

	ids := make([]string, 0, len(states))
	for id, state := range states {
		if state == domain.MigrationStateStaged {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.commitRecord(ctx, run, id); err != nil {
			return err
		}
	}
	return nil
}

// commitRecord はレコード1件をコミットし、本体が新鍵になったことを確かめて記録する。
func (s *RotationService) commitRecord(ctx context.Context, run *domain.RotationRun, id string) error {
	op := func() error {
		err := s.store.CommitStaged(ctx, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			// クラッシュ前にrenameだけ済んでいた場合。下の検査で確かめる
			return nil
		}
		return err
	}
	if err := backoff.Retry(op, s.retryPolicy(ctx)); err != nil {
		return fmt.Errorf("committing record %s: %w", id, err)
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("verifying committed record %s: %w", id, err)
	}
	if rec.KeyID != run.NewKeyID {
		return fmt.Errorf("record %s still encrypted under key %s after commit", id, rec.KeyID)
	}
	return s.journal.MarkRecord(ctx, run.ID, id, domain.MigrationStateCommitted)
}

// finish は新鍵を昇格し、昇格後も旧鍵のまま残ったレコードを回収してから
// 旧鍵を破棄して実行を完了させる。
func (s *RotationService) finish(ctx context.Context, run *domain.RotationRun) error {
	if err := s.keys.Promote(ctx, run.NewKeyID); err != nil {
		return fmt.Errorf("promoting rotation key: %w", err)
	}

	// コミット中に旧鍵で書き込まれたレコードの回収。昇格済みなので
	// 以降の新規書き込みは新鍵で行われ、残りは増えない
	if err := s.collectStragglers(ctx, run); err != nil {
		return err
	}

	if err := s.keys.Purge(ctx, run.OldKeyID); err != nil {
		return fmt.Errorf("purging retired key: %w", err)
	}
	if err := s.store.DiscardStaged(ctx); err != nil {
		slog.WarnContext(ctx, "failed to clean staging area",
			"operation", "rotate",
			"run_id", run.ID,
			"error", err,
		)
	}
	if err := s.setState(ctx, run, domain.RotationStateDone, ""); err != nil {
		return err
	}

	slog.InfoContext(ctx, "rotation finished",
		"operation", "rotate",
		"run_id", run.ID,
		"new_key_id", run.NewKeyID,
	)
	return nil
}

// collectStragglers は旧鍵のまま残っているレコードを逐次再暗号化してコミットする。
func (s *RotationService) collectStragglers(ctx context.Context, run *domain.RotationRun) error {
	oldKey, err := s.keys.Get(ctx, run.OldKeyID)
	if errors.Is(err, domain.ErrKeyNotFound) {
		// 旧鍵が既に破棄済みなら残りもない
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading rotation source key: %w", err)
	}
	defer secutil.Zeroize(oldKey.Material)

	newKey, err := s.keys.Get(ctx, run.NewKeyID)
	if err != nil {
		return fmt.Errorf("loading rotation target key: %w", err)
	}
	defer secutil.Zeroize(newKey.Material)

	collected := 0
	err = s.store.Walk(ctx, func(id string) error {
		rec, err := s.store.Get(ctx, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading record %s: %w", id, err)
		}
		if rec.KeyID != oldKey.ID {
			return nil
		}

		plaintext, err := s.codec.Decrypt(rec, oldKey)
		if err != nil {
			return fmt.Errorf("decrypting record %s: %w", id, err)
		}
		reencrypted, err := s.codec.Encrypt(plaintext, newKey)
		secutil.Zeroize(plaintext)
		if err != nil {
			return fmt.Errorf("re-encrypting record %s: %w", id, err)
		}
		if err := s.store.Stage(ctx, id, reencrypted); err != nil {
			return fmt.Errorf("staging record %s: %w", id, err)
		}
		if err := s.store.CommitStaged(ctx, id); err != nil {
			return fmt.Errorf("committing record %s: %w", id, err)
		}
		if err := s.journal.MarkRecord(ctx, run.ID, id, domain.MigrationStateCommitted); err != nil {
			return fmt.Errorf("journaling migrated record %s: %w", id, err)
		}
		collected++
		return nil
	})
	if err != nil {
		return err
	}

	if collected > 0 {
		slog.InfoContext(ctx, "re-encrypted records written during commit phase",
			"operation", "rotate",
			"run_id", run.ID,
			"count", collected,
		)
	}
	return nil
}

// abort は再暗号化フェーズの失敗を確定させる。
// ステージングを破棄し、昇格しなかった新鍵を破棄して実行をfailedで終える。
// 本体のレコードはローテーション前のまま残る。
func (s *RotationService) abort(ctx context.Context, run *domain.RotationRun, cause error) error {
	if err := s.store.DiscardStaged(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to discard staged records",
			"operation", "rotate",
			"run_id", run.ID,
			"error", err,
		)
	}
	if err := s.keys.Purge(ctx, run.NewKeyID); err != nil {
		slog.ErrorContext(ctx, "failed to purge unused rotation key",
			"operation", "rotate",
			"run_id", run.ID,
			"key_id", run.NewKeyID,
			"error", err,
		)
	}
	if err := s.journal.UpdateRunState(ctx, run.ID, domain.RotationStateFailed, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to journal rotation failure",
			"operation", "rotate",
			"run_id", run.ID,
			"error", err,
		)
	}
	run.State = domain.RotationStateFailed
	run.Detail = cause.Error()

	slog.ErrorContext(ctx, "rotation aborted",
		"operation", "rotate",
		"run_id", run.ID,
		"error", cause,
	)
	return fmt.Errorf("%w: %w", domain.ErrRotationAborted, cause)
}

func (s *RotationService) setState(ctx context.Context, run *domain.RotationRun, state domain.RotationState, detail string) error {
	if err := s.journal.UpdateRunState(ctx, run.ID, state, detail); err != nil {
		return fmt.Errorf("journaling rotation state %s: %w", state, err)
	}
	run.State = state
	run.Detail = detail
	return nil
}

func (s *RotationService) retryPolicy(ctx context.Context) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(policy, storeMaxRetries), ctx)
}
