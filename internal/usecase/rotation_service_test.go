package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/NGC-337-2/secure-health-api/internal/crypto"
	"github.com/NGC-337-2/secure-health-api/internal/domain"
	"github.com/NGC-337-2/secure-health-api/internal/keystore"
	"github.com/NGC-337-2/secure-health-api/internal/repository"
	"github.com/NGC-337-2/secure-health-api/internal/store"
)

// rotationEnv はファイルベースの鍵リング・レコード保管域と
// インメモリSQLiteのジャーナルを組み合わせたテスト環境。
type rotationEnv struct {
	keys    *keystore.Store
	records *store.FileStore
	journal *repository.JournalRepository
	codec   *crypto.Codec
}

func newRotationEnv(t *testing.T) *rotationEnv {
	t.Helper()

	keys, err := keystore.NewStore(filepath.Join(t.TempDir(), "keyring.json"), nil)
	if err != nil {
		t.Fatalf("creating keystore: %v", err)
	}
	records, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating record store: %v", err)
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening journal database: %v", err)
	}
	journal, err := repository.NewJournalRepository(db)
	if err != nil {
		t.Fatalf("creating journal: %v", err)
	}

	return &rotationEnv{
		keys:    keys,
		records: records,
		journal: journal,
		codec:   crypto.NewCodec(),
	}
}

func (e *rotationEnv) rotationService(records RecordStore) *RotationService {
	if records == nil {
		records = e.records
	}
	return NewRotationService(e.keys, records, e.journal, e.codec, 2)
}

// seedRecords は初期鍵を生成し、その鍵でn件のレコードを書き込む。
func seedRecords(t *testing.T, env *rotationEnv, n int) *domain.Key {
	t.Helper()
	ctx := context.Background()

	key, err := env.keys.Generate(ctx)
	if err != nil {
		t.Fatalf("generating initial key: %v", err)
	}
	writeRecords(t, env, key, 0, n)
	return key
}

func writeRecords(t *testing.T, env *rotationEnv, key *domain.Key, from, to int) {
	t.Helper()
	ctx := context.Background()
	for i := from; i < to; i++ {
		plaintext := []byte(fmt.Sprintf(`{"patient_id":"p-%03d","note":"checkup"}`, i))
		rec, err := env.codec.Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("encrypting record: %v", err)
		}
		if err := env.records.Put(ctx, fmt.Sprintf("rec-%03d", i), rec); err != nil {
			t.Fatalf("writing record: %v", err)
		}
	}
}

// assertAllReadable は全レコードがwantKeyで復号できることを確かめる。
func assertAllReadable(t *testing.T, env *rotationEnv, wantKeyID string, wantCount int) {
	t.Helper()
	ctx := context.Background()

	key, err := env.keys.Get(ctx, wantKeyID)
	if err != nil {
		t.Fatalf("loading key %s: %v", wantKeyID, err)
	}

	count := 0
	err = env.records.Walk(ctx, func(id string) error {
		rec, err := env.records.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.KeyID != wantKeyID {
			t.Errorf("record %s under key %s, want %s", id, rec.KeyID, wantKeyID)
		}
		if _, err := env.codec.Decrypt(rec, key); err != nil {
			t.Errorf("record %s not readable: %v", id, err)
		}
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("walking records: %v", err)
	}
	if count != wantCount {
		t.Errorf("record count mismatch: got %d, want %d", count, wantCount)
	}
}

// hookedStore はフック付きでFileStoreへ委譲するテスト用ストア。
type hookedStore struct {
	RecordStore
	stageHook  func(id string) error
	commitHook func(id string) error
	afterWalk  func()
}

func (h *hookedStore) Stage(ctx context.Context, id string, rec *domain.EncryptedRecord) error {
	if h.stageHook != nil {
		if err := h.stageHook(id); err != nil {
			return err
		}
	}
	return h.RecordStore.Stage(ctx, id, rec)
}

func (h *hookedStore) CommitStaged(ctx context.Context, id string) error {
	if h.commitHook != nil {
		if err := h.commitHook(id); err != nil {
			return err
		}
	}
	return h.RecordStore.CommitStaged(ctx, id)
}

func (h *hookedStore) Walk(ctx context.Context, fn func(id string) error) error {
	err := h.RecordStore.Walk(ctx, fn)
	if h.afterWalk != nil {
		h.afterWalk()
	}
	return err
}

func TestRotationService_Rotate_Success(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	oldKey := seedRecords(t, env, 3)
	svc := env.rotationService(nil)

	run, err := svc.Rotate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.RotationStateDone {
		t.Errorf("run state mismatch: got %s, want %s", run.State, domain.RotationStateDone)
	}
	if run.OldKeyID != oldKey.ID {
		t.Errorf("old key id mismatch: got %s, want %s", run.OldKeyID, oldKey.ID)
	}

	// 新鍵がactiveになり、全レコードが新鍵で読める
	active, err := env.keys.GetActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active.ID != run.NewKeyID {
		t.Errorf("active key mismatch: got %s, want %s", active.ID, run.NewKeyID)
	}
	assertAllReadable(t, env, run.NewKeyID, 3)

	// 移行後の平文が移行前と一致する
	for i := 0; i < 3; i++ {
		rec, err := env.records.Get(ctx, fmt.Sprintf("rec-%03d", i))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err := env.codec.Decrypt(rec, active)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := fmt.Sprintf(`{"patient_id":"p-%03d","note":"checkup"}`, i)
		if string(got) != want {
			t.Errorf("plaintext mismatch after rotation: got %q, want %q", got, want)
		}
	}

	// 旧鍵は破棄済み
	if _, err := env.keys.Get(ctx, oldKey.ID); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound for purged key, got %v", err)
	}
}

func TestRotationService_Rotate_ReencryptsContent(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	seedRecords(t, env, 1)

	before, err := env.records.Get(ctx, "rec-000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := env.rotationService(nil).Rotate(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after, err := env.records.Get(ctx, "rec-000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.KeyID == before.KeyID {
		t.Error("key id unchanged after rotation")
	}
	if string(after.Nonce) == string(before.Nonce) {
		t.Error("nonce unchanged after rotation")
	}
	if string(after.Ciphertext) == string(before.Ciphertext) {
		t.Error("ciphertext unchanged after rotation")
	}
}

func TestRotationService_Rotate_EmptyStore(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	oldKey := seedRecords(t, env, 0)

	run, err := env.rotationService(nil).Rotate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.RotationStateDone {
		t.Errorf("run state mismatch: got %s", run.State)
	}

	active, err := env.keys.GetActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active.ID == oldKey.ID {
		t.Error("active key unchanged after rotation of empty store")
	}
}

func TestRotationService_Rotate_NotInitialized(t *testing.T) {
	env := newRotationEnv(t)

	_, err := env.rotationService(nil).Rotate(context.Background())
	if !errors.Is(err, domain.ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestRotationService_Rotate_InProgress(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	seedRecords(t, env, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocked := &hookedStore{
		RecordStore: env.records,
		stageHook: func(id string) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		},
	}
	svc := env.rotationService(blocked)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Rotate(ctx)
		done <- err
	}()

	<-started
	if _, err := svc.Rotate(ctx); !errors.Is(err, domain.ErrRotationInProgress) {
		t.Errorf("expected ErrRotationInProgress, got %v", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}
}

func TestRotationService_Rotate_CorruptRecordAborts(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	oldKey := seedRecords(t, env, 2)

	// 構造は正しいが認証に通らないレコードを混ぜる
	good, err := env.records.Get(ctx, "rec-000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	corrupt := &domain.EncryptedRecord{
		KeyID:      good.KeyID,
		Nonce:      append([]byte{}, good.Nonce...),
		Ciphertext: append([]byte{}, good.Ciphertext...),
		Tag:        append([]byte{}, good.Tag...),
	}
	corrupt.Ciphertext[0] ^= 0xff
	if err := env.records.Put(ctx, "rec-bad", corrupt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run, err := env.rotationService(nil).Rotate(ctx)
	if !errors.Is(err, domain.ErrRotationAborted) {
		t.Fatalf("expected ErrRotationAborted, got %v", err)
	}
	if !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed in chain, got %v", err)
	}
	if run.State != domain.RotationStateFailed {
		t.Errorf("run state mismatch: got %s, want %s", run.State, domain.RotationStateFailed)
	}

	// ストアはローテーション前のまま
	rec, err := env.records.Get(ctx, "rec-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.KeyID != oldKey.ID {
		t.Errorf("record re-keyed despite abort: got %s", rec.KeyID)
	}
	if _, err := env.codec.Decrypt(rec, oldKey); err != nil {
		t.Errorf("record unreadable after abort: %v", err)
	}

	// 昇格しなかった新鍵は破棄され、旧鍵がactiveのまま
	active, err := env.keys.GetActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active.ID != oldKey.ID {
		t.Errorf("active key changed despite abort: got %s", active.ID)
	}
	metas, err := env.keys.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(metas) != 1 {
		t.Errorf("expected 1 key after abort, got %d", len(metas))
	}

	// 失敗した実行は再開されない
	if _, err := env.journal.ActiveRun(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRotationService_Rotate_TransientStageFailureRetried(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	seedRecords(t, env, 2)

	var failures atomic.Int32
	flaky := &hookedStore{
		RecordStore: env.records,
		stageHook: func(id string) error {
			if failures.Add(1) == 1 {
				return errors.New("transient io error")
			}
			return nil
		},
	}

	run, err := env.rotationService(flaky).Rotate(ctx)
	if err != nil {
		t.Fatalf("rotation should survive a transient stage failure: %v", err)
	}
	if run.State != domain.RotationStateDone {
		t.Errorf("run state mismatch: got %s", run.State)
	}
	assertAllReadable(t, env, run.NewKeyID, 2)
}

func TestRotationService_Rotate_InterruptedReencryptResumes(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	seedRecords(t, env, 3)

	// 1件ステージしたところでキャンセルして中断をつくる
	runCtx, cancel := context.WithCancel(ctx)
	var stages atomic.Int32
	interrupting := &hookedStore{
		RecordStore: env.records,
		stageHook: func(id string) error {
			if stages.Add(1) == 1 {
				cancel()
			}
			return nil
		},
	}
	_, err := env.rotationService(interrupting).Rotate(runCtx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// 実行は終端に達しておらず、再開可能なまま残っている
	pending, err := env.journal.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending == nil {
		t.Fatal("expected resumable run in journal")
	}
	if pending.State != domain.RotationStateReencrypting {
		t.Errorf("run state mismatch: got %s, want %s", pending.State, domain.RotationStateReencrypting)
	}

	// 再実行すると同じ実行を引き継いで完了する
	run, err := env.rotationService(nil).Rotate(ctx)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if run.ID != pending.ID {
		t.Errorf("resumed a different run: got %s, want %s", run.ID, pending.ID)
	}
	if run.State != domain.RotationStateDone {
		t.Errorf("run state mismatch: got %s", run.State)
	}
	assertAllReadable(t, env, run.NewKeyID, 3)
}

func TestRotationService_Rotate_CommitFailureStaysResumable(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	oldKey := seedRecords(t, env, 3)

	// 特定レコードのコミットをリトライ上限まで失敗させ続ける
	failing := &hookedStore{
		RecordStore: env.records,
		commitHook: func(id string) error {
			if id == "rec-001" {
				return errors.New("disk full")
			}
			return nil
		},
	}
	firstRun, err := env.rotationService(failing).Rotate(ctx)
	if err == nil {
		t.Fatal("expected commit failure")
	}
	if errors.Is(err, domain.ErrRotationAborted) {
		t.Fatalf("commit failure must stay resumable, got abort: %v", err)
	}
	if firstRun.State != domain.RotationStateCommitting {
		t.Errorf("run state mismatch: got %s, want %s", firstRun.State, domain.RotationStateCommitting)
	}

	// 混在状態でも新旧どちらかの鍵で全レコードが読める
	newKey, err := env.keys.Get(ctx, firstRun.NewKeyID)
	if err != nil {
		t.Fatalf("new key must survive a commit failure: %v", err)
	}
	err = env.records.Walk(ctx, func(id string) error {
		rec, err := env.records.Get(ctx, id)
		if err != nil {
			return err
		}
		key := oldKey
		if rec.KeyID == newKey.ID {
			key = newKey
		}
		if _, err := env.codec.Decrypt(rec, key); err != nil {
			t.Errorf("record %s unreadable mid-rotation: %v", id, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking records: %v", err)
	}

	// 再実行で完了する
	run, err := env.rotationService(nil).Rotate(ctx)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if run.ID != firstRun.ID {
		t.Errorf("resumed a different run: got %s, want %s", run.ID, firstRun.ID)
	}
	assertAllReadable(t, env, run.NewKeyID, 3)
	if _, err := env.keys.Get(ctx, oldKey.ID); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected old key purged after resume, got %v", err)
	}
}

func TestRotationService_Rotate_RecordWrittenMidRotation(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	oldKey := seedRecords(t, env, 2)

	// 最初の走査が終わった直後に、旧鍵で新しいレコードが書かれる
	var walks atomic.Int32
	concurrent := &hookedStore{RecordStore: env.records}
	concurrent.afterWalk = func() {
		if walks.Add(1) == 1 {
			writeRecords(t, env, oldKey, 2, 3)
		}
	}

	run, err := env.rotationService(concurrent).Rotate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.RotationStateDone {
		t.Errorf("run state mismatch: got %s", run.State)
	}
	// 後から書かれたレコードも含めて全件が新鍵に移行している
	assertAllReadable(t, env, run.NewKeyID, 3)
}

func TestRotationService_Rotate_StoreNeverQuiesces(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	oldKey := seedRecords(t, env, 1)

	// 走査のたびに旧鍵のレコードが増え続ける
	var walks atomic.Int32
	growing := &hookedStore{RecordStore: env.records}
	growing.afterWalk = func() {
		n := int(walks.Add(1))
		writeRecords(t, env, oldKey, n, n+1)
	}

	_, err := env.rotationService(growing).Rotate(ctx)
	if !errors.Is(err, domain.ErrRotationAborted) {
		t.Fatalf("expected ErrRotationAborted, got %v", err)
	}
	if !errors.Is(err, domain.ErrStoreNotQuiesced) {
		t.Errorf("expected ErrStoreNotQuiesced in chain, got %v", err)
	}

	// 旧鍵がactiveのままで、全レコードが読める
	active, err := env.keys.GetActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active.ID != oldKey.ID {
		t.Errorf("active key changed despite abort: got %s", active.ID)
	}
}

func TestRotationService_Rotate_FinishFailureResumes(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	oldKey := seedRecords(t, env, 2)

	// 昇格後、旧鍵の破棄で一度だけ失敗させる
	var purges atomic.Int32
	keys := &hookedKeyStore{
		KeyStore: env.keys,
		purgeHook: func(id string) error {
			if purges.Add(1) == 1 {
				return errors.New("keyring write failed")
			}
			return nil
		},
	}
	svc := NewRotationService(keys, env.records, env.journal, env.codec, 2)

	firstRun, err := svc.Rotate(ctx)
	if err == nil {
		t.Fatal("expected finish failure")
	}
	if firstRun.State != domain.RotationStateCommitting {
		t.Errorf("run state mismatch: got %s, want %s", firstRun.State, domain.RotationStateCommitting)
	}

	// 昇格は済んでいる
	active, err := env.keys.GetActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active.ID != firstRun.NewKeyID {
		t.Errorf("active key mismatch: got %s, want %s", active.ID, firstRun.NewKeyID)
	}

	// 再実行は冪等に完了まで進む
	run, err := svc.Rotate(ctx)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if run.State != domain.RotationStateDone {
		t.Errorf("run state mismatch: got %s", run.State)
	}
	assertAllReadable(t, env, run.NewKeyID, 2)
	if _, err := env.keys.Get(ctx, oldKey.ID); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected old key purged, got %v", err)
	}
}

func TestRotationService_Status(t *testing.T) {
	ctx := context.Background()
	env := newRotationEnv(t)
	seedRecords(t, env, 2)
	svc := env.rotationService(nil)

	if _, err := svc.Rotate(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	statuses, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
	if statuses[0].Run.State != domain.RotationStateDone {
		t.Errorf("run state mismatch: got %s", statuses[0].Run.State)
	}
	if statuses[0].Committed != 2 {
		t.Errorf("committed count mismatch: got %d, want 2", statuses[0].Committed)
	}
}

// hookedKeyStore はフック付きでkeystore.Storeへ委譲するテスト用鍵ストア。
type hookedKeyStore struct {
	KeyStore
	purgeHook func(id string) error
}

func (h *hookedKeyStore) Purge(ctx context.Context, id string) error {
	if h.purgeHook != nil {
		if err := h.purgeHook(id); err != nil {
			return err
		}
	}
	return h.KeyStore.Purge(ctx, id)
}
