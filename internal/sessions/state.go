package sessions

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Key identifies one team's live session on a puzzle or story card.
type Key struct {
	TeamID uint
	Name   string
}

// PuzzleKey is the session key for a puzzle page.
func PuzzleKey(teamID uint, slug string) Key { return Key{TeamID: teamID, Name: "puzzle:" + slug} }

// StoryCardKey is the session key for a story card.
func StoryCardKey(teamID uint, slug string) Key { return Key{TeamID: teamID, Name: "storycard:" + slug} }

func (k Key) String() string { return fmt.Sprintf("%d:%s", k.TeamID, k.Name) }

func (k Key) cacheKey() string { return "session:" + k.String() }

func (k Key) lockName() string { return "session:" + k.String() }

// State is the shared per-team puzzle state. Times serialize as RFC 3339.
type State struct {
	Users      []uint            `json:"users"`
	Ready      map[string]bool   `json:"ready,omitempty"`
	Votes      map[string]string `json:"votes,omitempty"`
	Dialogue   string            `json:"dialogue,omitempty"`
	TimerStart *time.Time        `json:"timer_start,omitempty"`
	TimerEnd   *time.Time        `json:"timer_end,omitempty"`
	IsComplete bool              `json:"is_complete"`
	Data       map[string]any    `json:"data,omitempty"`
}

// Join adds userID and reports whether it was new.
func (s *State) Join(userID uint) bool {
	for _, id := range s.Users {
		if id == userID {
			return false
		}
	}
	s.Users = append(s.Users, userID)
	sort.Slice(s.Users, func(i, j int) bool { return s.Users[i] < s.Users[j] })
	return true
}

// Leave removes userID along with its ready flag and vote.
func (s *State) Leave(userID uint) {
	out := s.Users[:0]
	for _, id := range s.Users {
		if id != userID {
			out = append(out, id)
		}
	}
	s.Users = out
	delete(s.Ready, userKey(userID))
	delete(s.Votes, userKey(userID))
}

// SetReady records userID's ready flag.
func (s *State) SetReady(userID uint, ready bool) {
	if s.Ready == nil {
		s.Ready = make(map[string]bool)
	}
	s.Ready[userKey(userID)] = ready
}

// AllReady reports whether every joined user is ready.
func (s *State) AllReady() bool {
	if len(s.Users) == 0 {
		return false
	}
	for _, id := range s.Users {
		if !s.Ready[userKey(id)] {
			return false
		}
	}
	return true
}

// Vote records userID's choice; an empty choice withdraws the vote.
func (s *State) Vote(userID uint, choice string) {
	if choice == "" {
		delete(s.Votes, userKey(userID))
		return
	}
	if s.Votes == nil {
		s.Votes = make(map[string]string)
	}
	s.Votes[userKey(userID)] = choice
}

// Tally counts votes per choice.
func (s *State) Tally() map[string]int {
	out := make(map[string]int, len(s.Votes))
	for _, choice := range s.Votes {
		out[choice]++
	}
	return out
}

// StartTimer starts a countdown of d from now.
func (s *State) StartTimer(now time.Time, d time.Duration) {
	start := now.UTC()
	end := start.Add(d)
	s.TimerStart, s.TimerEnd = &start, &end
}

// TimerExpired reports whether a started countdown has run out.
func (s *State) TimerExpired(now time.Time) bool {
	return s.TimerEnd != nil && !now.Before(*s.TimerEnd)
}

func userKey(id uint) string { return strconv.FormatUint(uint64(id), 10) }
