// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/NGC-337-2/secure-health-api/internal/audit"
	"github.com/NGC-337-2/secure-health-api/internal/domain"
	"github.com/NGC-337-2/secure-health-api/pkg/secutil"
)

// KeyStore は鍵素材への唯一のアクセス経路のインターフェース。
// 返される鍵素材はコピーであり、呼び出し側が使用後にゼロ化する。
type KeyStore interface {
	Generate(ctx context.Context) (*domain.Key, error)
	GetActive(ctx context.Context) (*domain.Key, error)
	Get(ctx context.Context, id string) (*domain.Key, error)
	Promote(ctx context.Context, id string) error
	Purge(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.KeyMetadata, error)
	Reset(ctx context.Context) error
}

// RecordStore は暗号化レコード保管域のインターフェース。
type RecordStore interface {
	Get(ctx context.Context, id string) (*domain.EncryptedRecord, error)
	Put(ctx context.Context, id string, rec *domain.EncryptedRecord) error
	Stage(ctx context.Context, id string, rec *domain.EncryptedRecord) error
	CommitStaged(ctx context.Context, id string) error
	DiscardStaged(ctx context.Context) error
	Walk(ctx context.Context, fn func(id string) error) error
}

// RecordCodec はレコード1件の暗号化・復号のインターフェース。
type RecordCodec interface {
	Encrypt(plaintext []byte, key *domain.Key) (*domain.EncryptedRecord, error)
	Decrypt(rec *domain.EncryptedRecord, key *domain.Key) ([]byte, error)
}

// maxReportedFailures は検証レポートに載せる失敗レコードIDの上限。
const maxReportedFailures = 20

// VerifyReport は保管域の全数検証の結果。
type VerifyReport struct {
	Total     int
	OK        int
	Failed    int
	FailedIDs []string
}

// KeyService は鍵のライフサイクル操作を提供する。
type KeyService struct {
	keys    KeyStore
	store   RecordStore
	codec   RecordCodec
	journal RotationJournal
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(keys KeyStore, store RecordStore, codec RecordCodec, journal RotationJournal) *KeyService {
	return &KeyService{
		keys:    keys,
		store:   store,
		codec:   codec,
		journal: journal,
	}
}

// Bootstrap は初期鍵を生成する。
// 初期化済みの場合、forceでなければErrKeyExistsを返す。
// forceの場合は既存の鍵をすべて破棄してから生成し直す。
func (s *KeyService) Bootstrap(ctx context.Context, force bool) (*domain.KeyMetadata, error) {
	initialized, err := s.initialized(ctx)
	if err != nil {
		return nil, err
	}
	if initialized {
		if !force {
			return nil, domain.ErrKeyExists
		}
		if err := s.keys.Reset(ctx); err != nil {
			return nil, fmt.Errorf("resetting keyring: %w", err)
		}
	}

	key, err := s.keys.Generate(ctx)
	if err != nil {
		audit.Write(ctx, "GENERATE_KEY", "", "FAILED")
		return nil, fmt.Errorf("generating key: %w", err)
	}
	secutil.Zeroize(key.Material)

	audit.Write(ctx, "GENERATE_KEY", key.ID, "SUCCESS")
	return key.Metadata(), nil
}

// ActiveKey は現在activeな鍵のメタデータを返す。鍵素材は含まれない。
func (s *KeyService) ActiveKey(ctx context.Context) (*domain.KeyMetadata, error) {
	metas, err := s.keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	for _, m := range metas {
		if m.Status == domain.KeyStatusActive {
			return m, nil
		}
	}
	return nil, domain.ErrNotInitialized
}

// ListKeys は全鍵のメタデータを世代順で返す。
func (s *KeyService) ListKeys(ctx context.Context) ([]*domain.KeyMetadata, error) {
	metas, err := s.keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return metas, nil
}

// VerifyRecords は全レコードを復号して認証タグを検証する。
// 復号できなかったレコードは報告に載せ、検証自体は最後まで続ける。
// 検証中に得た平文と鍵素材は呼び出しの終わりまでにゼロ化される。
func (s *KeyService) VerifyRecords(ctx context.Context) (*VerifyReport, error) {
	keyCache := make(map[string]*domain.Key)
	defer func() {
		for _, k := range keyCache {
			if k != nil {
				secutil.Zeroize(k.Material)
			}
		}
	}()

	report := &VerifyReport{}
	fail := func(id string) {
		report.Failed++
		if len(report.FailedIDs) < maxReportedFailures {
			report.FailedIDs = append(report.FailedIDs, id)
		}
	}

	err := s.store.Walk(ctx, func(id string) error {
		report.Total++

		rec, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrRecordNotFound) {
				report.Total--
				return nil
			}
			fail(id)
			return nil
		}

		key, cached := keyCache[rec.KeyID]
		if !cached {
			key, err = s.keys.Get(ctx, rec.KeyID)
			if err != nil {
				if !errors.Is(err, domain.ErrKeyNotFound) {
					return fmt.Errorf("loading key %s: %w", rec.KeyID, err)
				}
				key = nil
			}
			keyCache[rec.KeyID] = key
		}
		if key == nil {
			// 鍵リングに存在しない鍵を指すレコード
			fail(id)
			return nil
		}

		plaintext, err := s.codec.Decrypt(rec, key)
		if err != nil {
			fail(id)
			return nil
		}
		secutil.Zeroize(plaintext)
		report.OK++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verifying records: %w", err)
	}
	return report, nil
}

// PurgeRetired はどのレコードからも参照されていないretired鍵を破棄し、
// 破棄した鍵のIDを返す。進行中のローテーションに属する鍵は対象外。
func (s *KeyService) PurgeRetired(ctx context.Context) ([]string, error) {
	metas, err := s.keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	retired := make([]string, 0, len(metas))
	for _, m := range metas {
		if m.Status == domain.KeyStatusRetired {
			retired = append(retired, m.ID)
		}
	}
	if len(retired) == 0 {
		return nil, nil
	}

	protected := make(map[string]bool)
	run, err := s.journal.ActiveRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking for interrupted rotation: %w", err)
	}
	if run != nil {
		protected[run.OldKeyID] = true
		protected[run.NewKeyID] = true
	}

	referenced := make(map[string]bool)
	err = s.store.Walk(ctx, func(id string) error {
		rec, err := s.store.Get(ctx, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading record %s: %w", id, err)
		}
		referenced[rec.KeyID] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning key references: %w", err)
	}

	var purged []string
	for _, id := range retired {
		if referenced[id] || protected[id] {
			continue
		}
		if err := s.keys.Purge(ctx, id); err != nil {
			audit.Write(ctx, "PURGE_KEY", id, "FAILED")
			return purged, fmt.Errorf("purging key %s: %w", id, err)
		}
		audit.Write(ctx, "PURGE_KEY", id, "SUCCESS")
		purged = append(purged, id)
	}
	return purged, nil
}

func (s *KeyService) initialized(ctx context.Context) (bool, error) {
	metas, err := s.keys.List(ctx)
	if err != nil {
		return false, fmt.Errorf("listing keys: %w", err)
	}
	for _, m := range metas {
		if m.Status == domain.KeyStatusActive {
			return true, nil
		}
	}
	return false, nil
}
