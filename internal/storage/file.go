package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

// fileStore keeps the whole data set in memory and persists it as
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (append-only changes since the last compaction)
//
// The journal is replayed on open and compacted every compactEvery writes.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	backupDir    string

	subs  map[int64]watch.Subscriber
	snaps map[watch.Key]watch.Snapshot
	order []watch.Key // keys of snaps, sorted by watch.Key.Less

	writes       int
	compactEvery int
}

type subscriberRecord struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type snapshotRecord struct {
	EntityID     int64     `json:"entity_id"`
	SubscriberID int64     `json:"subscriber_id"`
	FullName     string    `json:"full_name"`
	Stars        int64     `json:"stars"`
	Watchers     int64     `json:"watchers"`
	Issues       int64     `json:"issues"`
	Pulls        int64     `json:"pulls"`
	Forks        int64     `json:"forks"`
	Description  string    `json:"description,omitempty"`
	Language     string    `json:"language,omitempty"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type fileState struct {
	Subscribers []subscriberRecord `json:"subscribers"`
	Snapshots   []snapshotRecord   `json:"snapshots"`
}

type journalRecord struct {
	Op   string            `json:"op"` // "sub", "snap", "del"
	Sub  *subscriberRecord `json:"sub,omitempty"`
	Snap *snapshotRecord   `json:"snap,omitempty"`
	Key  *watch.Key        `json:"key,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		now:          time.Now,
		snapshotPath: prefix + ".snapshot.json",
		backupDir:    cfg.BackupDir,
		subs:         map[int64]watch.Subscriber{},
		snaps:        map[watch.Key]watch.Snapshot{},
		compactEvery: 500,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) GetSubscriber(_ context.Context, id int64) (watch.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return watch.Subscriber{}, watch.ErrNotFound
	}
	return sub, nil
}

func (s *fileStore) UpsertSubscriber(_ context.Context, sub watch.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.subs[sub.ID]; ok && !cur.CreatedAt.IsZero() {
		sub.CreatedAt = cur.CreatedAt
	}
	rec := toSubscriberRecord(sub)
	if err := s.appendLocked(journalRecord{Op: "sub", Sub: &rec}); err != nil {
		return err
	}
	s.subs[sub.ID] = sub
	return nil
}

func (s *fileStore) SetSubscriberStatus(_ context.Context, id int64, status watch.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return watch.ErrNotFound
	}
	sub.Status = status
	sub.UpdatedAt = s.now()
	rec := toSubscriberRecord(sub)
	if err := s.appendLocked(journalRecord{Op: "sub", Sub: &rec}); err != nil {
		return err
	}
	s.subs[id] = sub
	return nil
}

func (s *fileStore) InsertSnapshot(_ context.Context, snap watch.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[snap.Key()]; ok {
		return watch.ErrAlreadyWatching
	}
	return s.putSnapLocked(snap)
}

func (s *fileStore) UpdateSnapshot(_ context.Context, snap watch.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.snaps[snap.Key()]
	if !ok {
		return watch.ErrNotFound
	}
	snap.CreatedAt = cur.CreatedAt
	return s.putSnapLocked(snap)
}

func (s *fileStore) putSnapLocked(snap watch.Snapshot) error {
	rec := toSnapshotRecord(snap)
	if err := s.appendLocked(journalRecord{Op: "snap", Snap: &rec}); err != nil {
		return err
	}
	s.setSnapLocked(snap)
	return nil
}

// setSnapLocked stores snap and keeps order sorted.
func (s *fileStore) setSnapLocked(snap watch.Snapshot) {
	k := snap.Key()
	if _, ok := s.snaps[k]; !ok {
		i := s.searchLocked(k)
		s.order = append(s.order, watch.Key{})
		copy(s.order[i+1:], s.order[i:])
		s.order[i] = k
	}
	s.snaps[k] = snap
}

func (s *fileStore) dropSnapLocked(k watch.Key) {
	if _, ok := s.snaps[k]; !ok {
		return
	}
	delete(s.snaps, k)
	i := s.searchLocked(k)
	s.order = append(s.order[:i], s.order[i+1:]...)
}

// searchLocked returns the index of the first key in order not less than k.
func (s *fileStore) searchLocked(k watch.Key) int {
	return sort.Search(len(s.order), func(i int) bool { return !s.order[i].Less(k) })
}

func (s *fileStore) DeleteSnapshot(_ context.Context, k watch.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[k]; !ok {
		return watch.ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: "del", Key: &k}); err != nil {
		return err
	}
	s.dropSnapLocked(k)
	return nil
}

func (s *fileStore) CountSnapshots(_ context.Context, subscriberID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.snaps {
		if k.SubscriberID == subscriberID {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) FindByName(_ context.Context, subscriberID int64, fullName string) (watch.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := watch.FoldName(fullName)
	for k, snap := range s.snaps {
		if k.SubscriberID == subscriberID && watch.FoldName(snap.FullName) == key {
			return snap, nil
		}
	}
	return watch.Snapshot{}, watch.ErrNotFound
}

func (s *fileStore) ListSnapshots(_ context.Context, subscriberID int64) ([]watch.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []watch.Snapshot
	for k, snap := range s.snaps {
		if k.SubscriberID == subscriberID {
			out = append(out, snap)
		}
	}
	watch.SortByName(out)
	return out, nil
}

// NextActive binary-searches the sorted key index, so a full walk is
// O(n log n) rather than a map scan per step.
func (s *fileStore) NextActive(_ context.Context, c watch.Cursor) (watch.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	if c.Started() {
		i = sort.Search(len(s.order), func(j int) bool { return c.Key.Less(s.order[j]) })
	}
	for ; i < len(s.order); i++ {
		snap := s.snaps[s.order[i]]
		if sub, ok := s.subs[snap.SubscriberID]; ok && sub.Status == watch.StatusActive {
			return snap, true, nil
		}
	}
	return watch.Snapshot{}, false, nil
}

func (s *fileStore) Stats(_ context.Context) (watch.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := watch.Stats{Subscribers: map[watch.Status]int{}, Watches: len(s.snaps)}
	for _, sub := range s.subs {
		st.Subscribers[sub.Status]++
	}
	entities := map[int64]struct{}{}
	for k := range s.snaps {
		entities[k.EntityID] = struct{}{}
	}
	st.Entities = len(entities)
	return st, nil
}

// Backup compacts the state, copies the snapshot file and packs it.
func (s *fileStore) Backup(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.compactLocked(); err != nil {
		return "", err
	}
	dest, err := backupTarget(s.backupDir, s.now(), ".json")
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, b, 0o600); err != nil {
		return "", err
	}
	return packAndRemove(dest)
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	st := fileState{
		Subscribers: make([]subscriberRecord, 0, len(s.subs)),
		Snapshots:   make([]snapshotRecord, 0, len(s.snaps)),
	}
	for _, sub := range s.subs {
		st.Subscribers = append(st.Subscribers, toSubscriberRecord(sub))
	}
	sort.Slice(st.Subscribers, func(i, j int) bool { return st.Subscribers[i].ID < st.Subscribers[j].ID })
	for _, k := range s.order {
		st.Snapshots = append(st.Snapshots, toSnapshotRecord(s.snaps[k]))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for _, r := range st.Subscribers {
		s.subs[r.ID] = r.subscriber()
	}
	for _, r := range st.Snapshots {
		s.setSnapLocked(r.snapshot())
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		switch r.Op {
		case "sub":
			if r.Sub != nil {
				s.subs[r.Sub.ID] = r.Sub.subscriber()
			}
		case "snap":
			if r.Snap != nil {
				s.setSnapLocked(r.Snap.snapshot())
			}
		case "del":
			if r.Key != nil {
				s.dropSnapLocked(*r.Key)
			}
		}
	}
	return sc.Err()
}

func toSubscriberRecord(sub watch.Subscriber) subscriberRecord {
	return subscriberRecord{
		ID: sub.ID, Username: sub.Username, FirstName: sub.FirstName, Status: string(sub.Status),
		CreatedAt: sub.CreatedAt, UpdatedAt: sub.UpdatedAt,
	}
}

func (r subscriberRecord) subscriber() watch.Subscriber {
	return watch.Subscriber{
		ID: r.ID, Username: r.Username, FirstName: r.FirstName, Status: watch.Status(r.Status),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func toSnapshotRecord(s watch.Snapshot) snapshotRecord {
	return snapshotRecord{
		EntityID: s.EntityID, SubscriberID: s.SubscriberID, FullName: s.FullName,
		Stars: s.Stars, Watchers: s.Watchers, Issues: s.Issues, Pulls: s.Pulls, Forks: s.Forks,
		Description: s.Description, Language: s.Language, Size: s.Size,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

func (r snapshotRecord) snapshot() watch.Snapshot {
	return watch.Snapshot{
		EntityID: r.EntityID, SubscriberID: r.SubscriberID, FullName: r.FullName,
		Counters: watch.Counters{
			Stars: r.Stars, Watchers: r.Watchers, Issues: r.Issues, Pulls: r.Pulls, Forks: r.Forks,
		},
		Description: r.Description, Language: r.Language, Size: r.Size,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}
