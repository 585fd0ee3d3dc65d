package events

import "time"

// Kind names a domain event.
type Kind string

const (
	PuzzleReleased          Kind = "puzzle.released"
	PuzzleSolved            Kind = "puzzle.solved"
	HuntCompleted           Kind = "hunt.completed"
	SubmissionMade          Kind = "submission.made"
	HintRequested           Kind = "hint.requested"
	HintResponded           Kind = "hint.responded"
	HintObsoleted           Kind = "hint.obsoleted"
	TaskCreated             Kind = "task.created"
	TaskClaimed             Kind = "task.claimed"
	TaskYoinked             Kind = "task.yoinked"
	TaskUnclaimed           Kind = "task.unclaimed"
	TaskSnoozed             Kind = "task.snoozed"
	TaskUnsnoozed           Kind = "task.unsnoozed"
	TaskIgnored             Kind = "task.ignored"
	TaskResolved            Kind = "task.resolved"
	EmailReceived           Kind = "email.received"
	EmailQueued             Kind = "email.queued"
	InteractionReleased     Kind = "interaction.released"
	InteractionAccomplished Kind = "interaction.accomplished"
	StoryCardUnlocked       Kind = "storycard.unlocked"
)

// Event is implemented by every payload published on the bus.
type Event interface {
	Kind() Kind
}

type PuzzleReleasedEvent struct {
	TeamID     uint
	PuzzleID   uint
	PuzzleSlug string
	PuzzleName string
	UnlockTime time.Time
}

func (PuzzleReleasedEvent) Kind() Kind { return PuzzleReleased }

type PuzzleSolvedEvent struct {
	TeamID       uint
	PuzzleID     uint
	PuzzleSlug   string
	PuzzleName   string
	SubmissionID uint
	Answer       string
	Time         time.Time
}

func (PuzzleSolvedEvent) Kind() Kind { return PuzzleSolved }

type HuntCompletedEvent struct {
	TeamID uint
	Time   time.Time
}

func (HuntCompletedEvent) Kind() Kind { return HuntCompleted }

// SubmissionMadeEvent carries the websocket payload for the solver UI.
type SubmissionMadeEvent struct {
	TeamID       uint
	PuzzleID     uint
	PuzzleSlug   string
	SubmissionID uint
	Guess        string
	IsCorrect    bool
	IsPartial    bool
	Response     string
	RateLimit    any
}

func (SubmissionMadeEvent) Kind() Kind { return SubmissionMade }

type HintRequestedEvent struct {
	HintID     uint
	ThreadID   uint
	TeamID     uint
	PuzzleID   uint
	PuzzleSlug string
}

func (HintRequestedEvent) Kind() Kind { return HintRequested }

type HintRespondedEvent struct {
	ResponseID uint
	ThreadID   uint
	TeamID     uint
	PuzzleID   uint
	PuzzleSlug string
	HandlerID  uint
	Status     string
	Edited     bool
}

func (HintRespondedEvent) Kind() Kind { return HintResponded }

type HintObsoletedEvent struct {
	HintIDs    []uint
	TeamID     uint
	PuzzleID   uint
	PuzzleSlug string
}

func (HintObsoletedEvent) Kind() Kind { return HintObsoleted }

// TaskEvent covers every task transition. Previous is set for yoinks.
type TaskEvent struct {
	Action      Kind
	TaskID      uint
	ContentType string
	ContentID   uint
	TeamID      *uint
	HandlerID   *uint
	Handler     string
	PreviousID  *uint
	Previous    string
	Metadata    map[string]any
}

func (e TaskEvent) Kind() Kind { return e.Action }

type EmailReceivedEvent struct {
	EmailID  uint
	TeamID   *uint
	Status   string
	Received time.Time
}

func (EmailReceivedEvent) Kind() Kind { return EmailReceived }

// EmailQueuedEvent fires after an outbound Email row in status Sending commits.
type EmailQueuedEvent struct {
	EmailID uint
}

func (EmailQueuedEvent) Kind() Kind { return EmailQueued }

type InteractionReleasedEvent struct {
	AccessID        uint
	TeamID          uint
	InteractionID   uint
	InteractionSlug string
}

func (InteractionReleasedEvent) Kind() Kind { return InteractionReleased }

type InteractionAccomplishedEvent struct {
	AccessID        uint
	TeamID          uint
	InteractionSlug string
	HandlerID       uint
}

func (InteractionAccomplishedEvent) Kind() Kind { return InteractionAccomplished }

type StoryCardUnlockedEvent struct {
	TeamID        uint
	StoryCardID   uint
	StoryCardSlug string
	Name          string
}

func (StoryCardUnlockedEvent) Kind() Kind { return StoryCardUnlocked }
