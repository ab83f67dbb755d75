package history

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Entry records one fan-out attempt
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id"`
	Resource       string    `json:"resource,omitempty"`
	ChangeType     string    `json:"change_type,omitempty"`
	Delivered      bool      `json:"delivered"`
	Error          string    `json:"error,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// Config holds delivery history configuration
type Config struct {
	// Dir is the storage directory for history files
	Dir string `json:"dir"`
	// MaxEntries bounds the per-user log after rotation (default 1000)
	MaxEntries int `json:"max_entries,omitempty"`
	// RotateSchedule is a cron expression for periodic rotation
	// (default "@hourly")
	RotateSchedule string `json:"rotate_schedule,omitempty"`
}

// Store keeps a per-user delivery log as JSON files on disk
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

// NewStore creates a history store rooted at baseDir
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) historyFile(userID string) string {
	return filepath.Join(s.baseDir, userID, "history.json")
}

func (s *Store) load(userID string) ([]Entry, error) {
	file, err := os.Open(s.historyFile(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Error closing history file: %v", err)
		}
	}()

	var entries []Entry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		// A corrupt file starts over rather than wedging delivery
		return []Entry{}, nil
	}
	return entries, nil
}

func (s *Store) save(userID string, entries []Entry) error {
	filePath := s.historyFile(userID)
	tempFile := filePath + ".tmp"

	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Error closing history file: %v", err)
		}
	}()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entries); err != nil {
		_ = os.Remove(tempFile)
		return err
	}
	return os.Rename(tempFile, filePath)
}

// AddEntry appends a delivery record to the user's log
func (s *Store) AddEntry(userID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.baseDir, userID), 0755); err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = fmt.Sprintf("hist_%d_%s", time.Now().Unix(), uuid.New().String()[:8])
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now()
	}
	entry.UserID = userID

	entries, err := s.load(userID)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	return s.save(userID, entries)
}

// List returns a page of the user's log, newest first. Filters match on
// subscription_id and delivered ("true"/"false") when set.
func (s *Store) List(userID string, limit, offset int, filters map[string]string) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.load(userID)
	if err != nil {
		return nil, 0, err
	}

	var filtered []Entry
	for _, entry := range all {
		if subID := filters["subscription_id"]; subID != "" && entry.SubscriptionID != subID {
			continue
		}
		if delivered := filters["delivered"]; delivered != "" {
			if (delivered == "true") != entry.Delivered {
				continue
			}
		}
		filtered = append(filtered, entry)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].SentAt.After(filtered[j].SentAt)
	})

	total := len(filtered)
	if offset >= total {
		return []Entry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

// Rotate trims a user's log down to the most recent maxEntries
func (s *Store) Rotate(userID string, maxEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(userID)
	if err != nil {
		return err
	}
	if len(entries) <= maxEntries {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SentAt.After(entries[j].SentAt)
	})
	return s.save(userID, entries[:maxEntries])
}

// RotateAll trims every user's log found under the storage directory
func (s *Store) RotateAll(maxEntries int) {
	userDirs, err := os.ReadDir(s.baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Reading history directory: %v", err)
		}
		return
	}
	for _, dir := range userDirs {
		if !dir.IsDir() {
			continue
		}
		if err := s.Rotate(dir.Name(), maxEntries); err != nil {
			log.Printf("Rotating history for %s: %v", dir.Name(), err)
		}
	}
}

// StartRotation schedules periodic rotation and returns the running cron.
// Callers stop it via the returned cron's Stop.
func (s *Store) StartRotation(schedule string, maxEntries int) (*cron.Cron, error) {
	if schedule == "" {
		schedule = "@hourly"
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		s.RotateAll(maxEntries)
	}); err != nil {
		return nil, fmt.Errorf("invalid rotation schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("History rotation scheduled (%s, keep %d)", schedule, maxEntries)
	return c, nil
}
