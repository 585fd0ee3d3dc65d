package realtime

import (
	"fmt"
	"strings"
)

// EventType tags envelopes that consumers translate into client frames.
const EventType = "handle.event"

// UserGroup receives every socket opened by userID.
func UserGroup(userID uint) string { return fmt.Sprintf("user.%d", userID) }

// PuzzleGroup receives sockets userID has open on the puzzle page slug.
func PuzzleGroup(userID uint, slug string) string {
	return fmt.Sprintf("user.%d.puzzle.%s", userID, normalizeGroup(slug))
}

// UUIDGroup receives the socket a logged-in tab identified with uuid.
func UUIDGroup(userID uint, uuid string) string {
	return fmt.Sprintf("user.%d.uuid.%s", userID, normalizeGroup(uuid))
}

// AnonymousGroup receives an anonymous viewer's socket.
func AnonymousGroup(uuid string) string { return "anonymoususer.uuid." + normalizeGroup(uuid) }

// GroupsFor lists the groups a connection joins. userID zero means anonymous.
func GroupsFor(userID uint, slug, uuid string) []string {
	slug, uuid = normalizeGroup(slug), normalizeGroup(uuid)
	if userID == 0 {
		if uuid == "" {
			return nil
		}
		return []string{AnonymousGroup(uuid)}
	}
	groups := []string{UserGroup(userID)}
	if slug != "" {
		groups = append(groups, PuzzleGroup(userID, slug))
	}
	if uuid != "" {
		groups = append(groups, UUIDGroup(userID, uuid))
	}
	return groups
}

func normalizeGroup(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
