// Package store は暗号化レコードのファイルシステム保管域を提供する。
// レコードは1件につき1つのJSONファイルで、書き込みはすべてrenameによる
// 差し替えで行う。再暗号化の途中結果は.stagingディレクトリに隔離され、
// コミット時にrenameで本体へ昇格する。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/NGC-337-2/secure-health-api/internal/domain"
	"github.com/NGC-337-2/secure-health-api/internal/fsutil"
)

const (
	stagingDirName = ".staging"
	recordExt      = ".json"
	walkBatch      = 256
)

var recordIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// FileStore は暗号化レコードをディレクトリ配下のファイルとして保管する。
type FileStore struct {
	root    string
	staging string
}

// NewFileStore はroot配下を保管域として初期化する。
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("record store path is empty")
	}
	staging := filepath.Join(root, stagingDirName)
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return nil, fmt.Errorf("creating record store directory: %w", err)
	}
	return &FileStore{root: root, staging: staging}, nil
}

// Get はidのレコードを読み出す。存在しなければErrRecordNotFoundを返す。
func (s *FileStore) Get(ctx context.Context, id string) (*domain.EncryptedRecord, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}

	var rec domain.EncryptedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parsing record %s: %v", domain.ErrInvalidRecord, id, err)
	}
	if !rec.Valid() {
		return nil, fmt.Errorf("%w: record %s", domain.ErrInvalidRecord, id)
	}
	return &rec, nil
}

// Put はレコードを書き込む。既存のレコードはrenameで原子的に置き換えられる。
func (s *FileStore) Put(ctx context.Context, id string, rec *domain.EncryptedRecord) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWrite(s.recordPath(id), data, 0o600); err != nil {
		return fmt.Errorf("writing record %s: %w", id, err)
	}
	return nil
}

// Stage は再暗号化済みレコードをステージング領域へ書き込む。
// 本体のレコードには触れない。
func (s *FileStore) Stage(ctx context.Context, id string, rec *domain.EncryptedRecord) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWrite(s.stagedPath(id), data, 0o600); err != nil {
		return fmt.Errorf("staging record %s: %w", id, err)
	}
	return nil
}

// CommitStaged はステージング済みレコードをrenameで本体へ昇格する。
// レコード単位で原子的であり、途中でクラッシュしても新旧どちらかが残る。
func (s *FileStore) CommitStaged(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Rename(s.stagedPath(id), s.recordPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: no staged record %s", domain.ErrRecordNotFound, id)
		}
		return fmt.Errorf("committing record %s: %w", id, err)
	}
	if err := fsutil.SyncDir(s.root); err != nil {
		return err
	}
	return fsutil.SyncDir(s.staging)
}

// DiscardStaged はステージング領域を空にする。本体のレコードには影響しない。
func (s *FileStore) DiscardStaged(ctx context.Context) error {
	if err := os.RemoveAll(s.staging); err != nil {
		return fmt.Errorf("discarding staged records: %w", err)
	}
	if err := os.MkdirAll(s.staging, 0o700); err != nil {
		return fmt.Errorf("recreating staging directory: %w", err)
	}
	return fsutil.SyncDir(s.root)
}

// Walk は全レコードのIDを1件ずつfnへ渡す。全件をメモリに載せることはない。
// 列挙中に追加されたレコードは拾われる場合と拾われない場合がある。
// fnがエラーを返すと列挙を打ち切ってそのエラーを返す。
func (s *FileStore) Walk(ctx context.Context, fn func(id string) error) error {
	dir, err := os.Open(s.root)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer dir.Close()

	for {
		entries, err := dir.ReadDir(walkBatch)
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
				continue
			}
			if err := fn(strings.TrimSuffix(name, recordExt)); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("listing record store: %w", err)
		}
	}
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.root, id+recordExt)
}

func (s *FileStore) stagedPath(id string) string {
	return filepath.Join(s.staging, id+recordExt)
}

func encodeRecord(rec *domain.EncryptedRecord) ([]byte, error) {
	if rec == nil || !rec.Valid() {
		return nil, domain.ErrInvalidRecord
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

func validateID(id string) error {
	if !recordIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid record id %q", domain.ErrInvalidRecord, id)
	}
	return nil
}
