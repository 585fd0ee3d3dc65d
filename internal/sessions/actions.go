package sessions

import (
	"context"
	"fmt"
	"time"
)

// Action types accepted by Apply.
const (
	ActionJoin     = "join"
	ActionLeave    = "leave"
	ActionReady    = "ready"
	ActionUnready  = "unready"
	ActionVote     = "vote"
	ActionTimer    = "timer"
	ActionComplete = "complete"
)

// Action is one user's change to a session.
type Action struct {
	Type    string `form:"action" json:"action" validate:"required,oneof=join leave ready unready vote timer complete"`
	Choice  string `form:"choice" json:"choice,omitempty" validate:"max=200"`
	Seconds int    `form:"seconds" json:"seconds,omitempty" validate:"gte=0,lte=86400"`
}

// Apply performs action for userID under the session lock and returns the
// committed state.
func (s *Store) Apply(ctx context.Context, key Key, userID uint, action Action, opts Options) (*State, error) {
	opts.Lock = true
	var out State
	err := s.With(ctx, key, opts, func(h *Handle) error {
		st, err := h.GetOrCreate(ctx, State{})
		if err != nil {
			return err
		}
		switch action.Type {
		case ActionJoin:
			st.Join(userID)
		case ActionLeave:
			st.Leave(userID)
		case ActionReady:
			st.SetReady(userID, true)
		case ActionUnready:
			st.SetReady(userID, false)
		case ActionVote:
			st.Vote(userID, action.Choice)
		case ActionTimer:
			if st.TimerStart == nil || st.TimerExpired(s.now()) {
				st.StartTimer(s.now(), time.Duration(action.Seconds)*time.Second)
			}
		case ActionComplete:
			st.IsComplete = true
		default:
			return fmt.Errorf("sessions: unknown action %q", action.Type)
		}
		h.MarkDirty()
		out = *st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
