package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"relaycast/internal/event"
	logx "relaycast/pkg/logx"
)

// fileStore keeps events in memory and journals every change to
// <path> as JSON Lines. The journal is compacted every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	journal *os.File
	events  map[string]event.Event
	writes  int
}

const compactEvery = 1000

type journalRecord struct {
	Op    string       `json:"op"`
	ID    string       `json:"id"`
	Event *event.Event `json:"event,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	events := map[string]event.Event{}
	if err := replayJournal(path, events); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("events", len(events)))
	return &fileStore{log: log, path: path, journal: jf, events: events}, nil
}

func (s *fileStore) Publish(ctx context.Context, e event.Event) error {
	if e.ID == "" {
		return ErrNoID
	}
	e.Wrap = nil
	e = e.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "put", ID: e.ID, Event: &e}); err != nil {
		return err
	}
	s.events[e.ID] = e
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (event.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return event.Event{}, false, ErrClosed
	}
	e, ok := s.events[id]
	if !ok {
		return event.Event{}, false, nil
	}
	return e.Clone(), true, nil
}

func (s *fileStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		if s.journal == nil {
			return ErrClosed
		}
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.events, id)
	return nil
}

func (s *fileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the journal as one put per live event.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for id, e := range s.events {
		e := e
		if err := enc.Encode(journalRecord{Op: "put", ID: id, Event: &e}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	jf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.journal.Close()
	s.journal = jf
	return nil
}

func replayJournal(path string, out map[string]event.Event) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		switch r.Op {
		case "put":
			if r.Event != nil {
				out[r.ID] = *r.Event
			}
		case "del":
			delete(out, r.ID)
		}
	}
	return sc.Err()
}
