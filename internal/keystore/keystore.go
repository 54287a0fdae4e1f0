// Package keystore はデータ暗号化鍵の生成・保管・昇格・破棄を提供する。
// 鍵リングは単一のJSONファイルに永続化され、更新は一時ファイルへの書き込みと
// renameによる差し替えで行うため、クラッシュしても新旧どちらか一方の状態だけが残る。
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NGC-337-2/secure-health-api/internal/domain"
	"github.com/NGC-337-2/secure-health-api/internal/fsutil"
	"github.com/NGC-337-2/secure-health-api/pkg/secutil"
)

const ringVersion = 1

// Sealer は鍵リングに保存する鍵素材を封印・開封する。
// 実装はinfraパッケージにある。
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Unseal(ctx context.Context, sealed []byte) ([]byte, error)
}

type keyEntry struct {
	ID             string           `json:"id"`
	Generation     uint             `json:"generation"`
	Material       []byte           `json:"material,omitempty"`
	SealedMaterial []byte           `json:"sealed_material,omitempty"`
	Status         domain.KeyStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

type keyring struct {
	Version int         `json:"version"`
	Keys    []*keyEntry `json:"keys"`
}

// Store は鍵リングファイルを所有し、鍵素材への唯一のアクセス経路となる。
// Sealerが設定されている場合、鍵素材は封印された形でのみ永続化される。
// Sealerなしで作られた既存エントリの素材は、そのエントリが破棄されるまで平文のまま残る。
type Store struct {
	path   string
	sealer Sealer

	mu   sync.Mutex
	ring *keyring
}

// NewStore はpathの鍵リングを読み込んでStoreを返す。
// ファイルが存在しない場合は空の鍵リングとして初期化する。
func NewStore(path string, sealer Sealer) (*Store, error) {
	if path == "" {
		return nil, errors.New("keystore path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}

	ring, err := loadRing(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, sealer: sealer, ring: ring}, nil
}

func loadRing(path string) (*keyring, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &keyring{Version: ringVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}

	var ring keyring
	if err := json.Unmarshal(data, &ring); err != nil {
		return nil, fmt.Errorf("parsing keyring: %w", err)
	}
	if ring.Version != ringVersion {
		return nil, fmt.Errorf("unsupported keyring version %d", ring.Version)
	}

	active := 0
	seen := make(map[string]bool, len(ring.Keys))
	for _, e := range ring.Keys {
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate key id %s in keyring", e.ID)
		}
		seen[e.ID] = true
		if e.Status == domain.KeyStatusActive {
			active++
		}
	}
	if active > 1 {
		return nil, fmt.Errorf("keyring has %d active keys", active)
	}
	return &ring, nil
}

// Generate は新しい256ビット鍵を生成し、永続化してから返す。
// 鍵リングが空の場合はactiveとして、それ以外はretiredとして登録される。
// retiredの鍵はPromoteで昇格するまで新規暗号化には使われない。
func (s *Store) Generate(ctx context.Context) (*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	material := make([]byte, domain.KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEntropyUnavailable, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEntropyUnavailable, err)
	}

	status := domain.KeyStatusRetired
	if s.findActive() == nil {
		status = domain.KeyStatusActive
	}

	entry := &keyEntry{
		ID:         id.String(),
		Generation: s.nextGeneration(),
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(ctx, material)
		if err != nil {
			secutil.Zeroize(material)
			return nil, fmt.Errorf("sealing key material: %w", err)
		}
		entry.SealedMaterial = sealed
	} else {
		entry.Material = secutil.Clone(material)
	}

	s.ring.Keys = append(s.ring.Keys, entry)
	if err := s.persist(ctx); err != nil {
		s.removeEntry(entry.ID)
		secutil.Zeroize(material)
		return nil, err
	}

	return &domain.Key{
		ID:         entry.ID,
		Generation: entry.Generation,
		Material:   material,
		Status:     entry.Status,
		CreatedAt:  entry.CreatedAt,
	}, nil
}

// GetActive は現在activeな鍵を返す。鍵リングが未初期化ならErrNotInitializedを返す。
// 返される鍵素材はコピーであり、呼び出し側で使用後にゼロ化してよい。
func (s *Store) GetActive(ctx context.Context) (*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.findActive()
	if entry == nil {
		return nil, domain.ErrNotInitialized
	}
	return s.toKey(ctx, entry)
}

// Get はIDで鍵を引く。存在しなければErrKeyNotFoundを返す。
func (s *Store) Get(ctx context.Context, id string) (*domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.find(id)
	if entry == nil {
		return nil, domain.ErrKeyNotFound
	}
	return s.toKey(ctx, entry)
}

// Promote はidの鍵をactiveに昇格し、それまでのactive鍵をretiredへ落とす。
// 切り替えは鍵リングファイルの1回のrenameで永続化されるため、
// 途中でクラッシュしてもactiveな鍵が2つになることはない。
// すでにactiveな鍵を指定した場合は何もせず成功する。
func (s *Store) Promote(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.find(id)
	if target == nil {
		return domain.ErrKeyNotFound
	}
	if target.Status == domain.KeyStatusActive {
		return nil
	}

	previous := s.findActive()
	if previous != nil {
		previous.Status = domain.KeyStatusRetired
	}
	target.Status = domain.KeyStatusActive

	if err := s.persist(ctx); err != nil {
		target.Status = domain.KeyStatusRetired
		if previous != nil {
			previous.Status = domain.KeyStatusActive
		}
		return err
	}
	return nil
}

// Purge はretiredの鍵をゼロ化して鍵リングから取り除く。
// どのレコードからも参照されなくなった鍵に対してのみ呼ぶこと。
// 鍵が存在しない場合は何もせず成功する。active鍵の破棄はエラーになる。
func (s *Store) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.find(id)
	if entry == nil {
		return nil
	}
	if entry.Status == domain.KeyStatusActive {
		return fmt.Errorf("cannot purge active key %s", id)
	}

	s.removeEntry(id)
	if err := s.persist(ctx); err != nil {
		return err
	}
	secutil.Zeroize(entry.Material)
	secutil.Zeroize(entry.SealedMaterial)
	return nil
}

// List は全鍵のメタデータを世代の昇順で返す。鍵素材は含まれない。
func (s *Store) List(ctx context.Context) ([]*domain.KeyMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas := make([]*domain.KeyMetadata, 0, len(s.ring.Keys))
	for _, e := range s.ring.Keys {
		metas = append(metas, &domain.KeyMetadata{
			ID:         e.ID,
			Generation: e.Generation,
			Status:     e.Status,
			CreatedAt:  e.CreatedAt,
		})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Generation < metas[j].Generation })
	return metas, nil
}

// Reset は全鍵をゼロ化して空の鍵リングを永続化する。初期化のやり直しに使う。
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.ring.Keys
	s.ring = &keyring{Version: ringVersion}
	if err := s.persist(ctx); err != nil {
		s.ring.Keys = old
		return err
	}
	for _, e := range old {
		secutil.Zeroize(e.Material)
		secutil.Zeroize(e.SealedMaterial)
	}
	return nil
}

// Close はメモリ上の鍵素材をゼロ化する。ファイルには影響しない。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ring.Keys {
		secutil.Zeroize(e.Material)
	}
	s.ring.Keys = nil
	return nil
}

func (s *Store) toKey(ctx context.Context, entry *keyEntry) (*domain.Key, error) {
	material, err := s.material(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &domain.Key{
		ID:         entry.ID,
		Generation: entry.Generation,
		Material:   material,
		Status:     entry.Status,
		CreatedAt:  entry.CreatedAt,
	}, nil
}

func (s *Store) material(ctx context.Context, entry *keyEntry) ([]byte, error) {
	if len(entry.Material) > 0 {
		if len(entry.Material) != domain.KeySize {
			return nil, domain.ErrInvalidKeyMaterial
		}
		return secutil.Clone(entry.Material), nil
	}
	if s.sealer == nil || len(entry.SealedMaterial) == 0 {
		return nil, domain.ErrInvalidKeyMaterial
	}
	material, err := s.sealer.Unseal(ctx, entry.SealedMaterial)
	if err != nil {
		return nil, fmt.Errorf("unsealing key material: %w", err)
	}
	if len(material) != domain.KeySize {
		secutil.Zeroize(material)
		return nil, domain.ErrInvalidKeyMaterial
	}
	return material, nil
}

func (s *Store) find(id string) *keyEntry {
	for _, e := range s.ring.Keys {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *Store) findActive() *keyEntry {
	for _, e := range s.ring.Keys {
		if e.Status == domain.KeyStatusActive {
			return e
		}
	}
	return nil
}

func (s *Store) nextGeneration() uint {
	var max uint
	for _, e := range s.ring.Keys {
		if e.Generation > max {
			max = e.Generation
		}
	}
	return max + 1
}

func (s *Store) removeEntry(id string) {
	keys := s.ring.Keys[:0]
	for _, e := range s.ring.Keys {
		if e.ID != id {
			keys = append(keys, e)
		}
	}
	s.ring.Keys = keys
}

func (s *Store) persist(ctx context.Context) error {
	data, err := json.MarshalIndent(s.ring, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding keyring: %w", err)
	}
	if err := fsutil.AtomicWrite(s.path, data, 0o600); err != nil {
		slog.ErrorContext(ctx, "failed to persist keyring",
			"error", err,
			"operation", "keystore_persist",
		)
		return fmt.Errorf("persisting keyring: %w", err)
	}
	return nil
}
