package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/live-tender/twitchapi"
)

// CategoryChange is one timeline entry: the category a broadcast switched to
// and how far into the capture the switch happened.
type CategoryChange struct {
	Name    string        `json:"name"`
	Elapsed time.Duration `json:"elapsed"`
}

// StreamRecord accumulates everything known about one live broadcast while
// its capture runs: the latest Helix snapshot fields plus the category
// timeline. The poll goroutine writes through Update; the capture supervisor
// reads a Clone at publish time, so all access goes through the mutex.
type StreamRecord struct {
	mu sync.Mutex

	ID              string
	UserLogin       string
	UserName        string
	Title           string
	GameID          string
	GameName        string
	ViewerCount     int
	StartedAt       time.Time
	SavingStartedAt time.Time
	Timeline        []CategoryChange
}

// NewStreamRecord seeds a record from the snapshot that flipped the channel
// live. The timeline starts empty: the opening category is already in the
// snapshot fields, and entries mark changes away from it.
func NewStreamRecord(s *twitchapi.Stream) *StreamRecord {
	return &StreamRecord{
		ID:              s.ID,
		UserLogin:       s.UserLogin,
		UserName:        s.UserName,
		Title:           s.Title,
		GameID:          s.GameID,
		GameName:        s.GameName,
		ViewerCount:     s.ViewerCount,
		StartedAt:       s.StartedAt,
		SavingStartedAt: time.Now(),
	}
}

// Update folds a later snapshot of the same broadcast into the record. A
// category change appends a timeline entry stamped with the elapsed capture
// time; title and viewer count are refreshed in place.
func (r *StreamRecord) Update(s *twitchapi.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.GameID != r.GameID {
		r.GameID = s.GameID
		r.GameName = s.GameName
		r.Timeline = append(r.Timeline, CategoryChange{
			Name:    s.GameName,
			Elapsed: time.Since(r.SavingStartedAt).Truncate(time.Second),
		})
	}
	r.Title = s.Title
	r.ViewerCount = s.ViewerCount
}

// File returns the capture filename for this broadcast.
func (r *StreamRecord) File() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("%s_%s.mp4", r.UserLogin, r.ID)
}

// Clone returns a deep copy safe to read after the poll loop has moved on.
func (r *StreamRecord) Clone() *StreamRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := &StreamRecord{
		ID:              r.ID,
		UserLogin:       r.UserLogin,
		UserName:        r.UserName,
		Title:           r.Title,
		GameID:          r.GameID,
		GameName:        r.GameName,
		ViewerCount:     r.ViewerCount,
		StartedAt:       r.StartedAt,
		SavingStartedAt: r.SavingStartedAt,
	}
	cp.Timeline = append([]CategoryChange(nil), r.Timeline...)
	return cp
}
