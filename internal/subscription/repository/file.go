package repository

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"tonpass/internal/subscription"
)

// snapshot - формат файла. NextID только растёт, поэтому id не переиспользуются после удалений.
// UsedTx - хэш транзакции → пользователь, которому она засчитана. Записи не удаляются
// ни при продлении, ни при удалении подписки.
type snapshot struct {
	NextID        int64                 `json:"next_id"`
	Subscriptions []subscription.Record `json:"subscriptions"`
	UsedTx        map[string]int64      `json:"used_tx"`
}

// FileStore хранит все подписки одним JSON-снимком.
// Каждая операция выполняет load→modify→save под мьютексом,
// так что записи разных пользователей не теряют обновления друг друга.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) ([]subscription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.read(ctx)
	if err != nil {
		return nil, &subscription.StorageError{Op: "load", Err: err}
	}
	return snap.Subscriptions, nil
}

func (s *FileStore) Save(ctx context.Context, records []subscription.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(ctx)
	if err != nil {
		return &subscription.StorageError{Op: "save", Err: err}
	}
	if records == nil {
		records = []subscription.Record{}
	}
	next := cur.NextID
	if m := maxID(records) + 1; m > next {
		next = m
	}
	used := cur.UsedTx
	claimAll(used, records)
	if err := s.write(&snapshot{NextID: next, Subscriptions: records, UsedTx: used}); err != nil {
		return &subscription.StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, userID int64) (*subscription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.read(ctx)
	if err != nil {
		return nil, &subscription.StorageError{Op: "get", Err: err}
	}
	if i := indexOf(snap.Subscriptions, userID); i >= 0 {
		rec := snap.Subscriptions[i]
		return &rec, nil
	}
	return nil, nil
}

// TransactionOwner возвращает пользователя, которому засчитана транзакция
func (s *FileStore) TransactionOwner(ctx context.Context, txHash string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.read(ctx)
	if err != nil {
		return 0, false, &subscription.StorageError{Op: "get", Err: err}
	}
	owner, ok := snap.UsedTx[txHash]
	return owner, ok, nil
}

// Upsert заменяет запись пользователя целиком (сохраняя SubscriptionID)
// или добавляет новую со следующим id. Хэш транзакции закрепляется за
// пользователем в той же записи снимка; чужой хэш - ErrTransactionUsed.
func (s *FileStore) Upsert(ctx context.Context, rec subscription.Record) (subscription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.read(ctx)
	if err != nil {
		return rec, &subscription.StorageError{Op: "upsert", Err: err}
	}

	if rec.TransactionHash != "" {
		if owner, ok := snap.UsedTx[rec.TransactionHash]; ok && owner != rec.UserID {
			return rec, subscription.ErrTransactionUsed
		}
		snap.UsedTx[rec.TransactionHash] = rec.UserID
	}

	if i := indexOf(snap.Subscriptions, rec.UserID); i >= 0 {
		rec.SubscriptionID = snap.Subscriptions[i].SubscriptionID
		snap.Subscriptions[i] = rec
	} else {
		rec.SubscriptionID = snap.NextID
		snap.NextID++
		snap.Subscriptions = append(snap.Subscriptions, rec)
	}

	if err := s.write(snap); err != nil {
		return rec, &subscription.StorageError{Op: "upsert", Err: err}
	}
	return rec, nil
}

func (s *FileStore) Remove(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.read(ctx)
	if err != nil {
		return false, &subscription.StorageError{Op: "remove", Err: err}
	}
	i := indexOf(snap.Subscriptions, userID)
	if i < 0 {
		return false, nil
	}
	snap.Subscriptions = append(snap.Subscriptions[:i], snap.Subscriptions[i+1:]...)
	if err := s.write(snap); err != nil {
		return false, &subscription.StorageError{Op: "remove", Err: err}
	}
	return true, nil
}

// read читает снимок; если файла ещё нет - создаёт пустой
func (s *FileStore) read(ctx context.Context) (*snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		snap := &snapshot{NextID: 1, Subscriptions: []subscription.Record{}, UsedTx: map[string]int64{}}
		if err := s.write(snap); err != nil {
			return nil, err
		}
		return snap, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, err
	}
	if snap.Subscriptions == nil {
		snap.Subscriptions = []subscription.Record{}
	}
	if m := maxID(snap.Subscriptions) + 1; snap.NextID < m {
		snap.NextID = m
	}
	// снимки без used_tx: восстанавливаем по текущим записям
	if snap.UsedTx == nil {
		snap.UsedTx = map[string]int64{}
	}
	claimAll(snap.UsedTx, snap.Subscriptions)
	return snap, nil
}

// write атомарно заменяет файл через временный файл и rename
func (s *FileStore) write(snap *snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func indexOf(records []subscription.Record, userID int64) int {
	for i := range records {
		if records[i].UserID == userID {
			return i
		}
	}
	return -1
}

// claimAll закрепляет хэши записей, которых ещё нет в used
func claimAll(used map[string]int64, records []subscription.Record) {
	for _, r := range records {
		if r.TransactionHash == "" {
			continue
		}
		if _, ok := used[r.TransactionHash]; !ok {
			used[r.TransactionHash] = r.UserID
		}
	}
}

func maxID(records []subscription.Record) int64 {
	var m int64
	for _, r := range records {
		if r.SubscriptionID > m {
			m = r.SubscriptionID
		}
	}
	return m
}
