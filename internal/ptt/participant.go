package ptt

import "time"

// Participant is one client presence on a channel, keyed by an ephemeral
// participant id. A user may hold several slots at once from different
// devices; presence is per device/session, never per user.
type Participant struct {
	ID         string
	UserID     string
	Username   string
	DeviceInfo string
	JoinedAt   time.Time
	LastSeen   time.Time
	Location   *Location

	// handle is the current delivery handle, nil until Subscribe.
	handle *SubscriberHandle
}

func (p *Participant) info() ParticipantInfo {
	return ParticipantInfo{
		ParticipantID: p.ID,
		UserID:        p.UserID,
		Username:      p.Username,
		JoinedAt:      p.JoinedAt.UnixMilli(),
		LastSeenAt:    p.LastSeen.UnixMilli(),
		Location:      p.Location,
		Subscribed:    p.handle != nil,
	}
}

// participantSet is the broker-owned registry. Only the broker goroutine
// touches it; mutation outside the mailbox is a bug.
type participantSet struct {
	byID map[string]*Participant
}

func newParticipantSet() *participantSet {
	return &participantSet{byID: make(map[string]*Participant)}
}

func (s *participantSet) get(id string) *Participant { return s.byID[id] }

func (s *participantSet) add(p *Participant) { s.byID[p.ID] = p }

func (s *participantSet) remove(id string) { delete(s.byID, id) }

func (s *participantSet) count() int { return len(s.byID) }

// snapshot returns participant infos for channel_state.
func (s *participantSet) snapshot() []ParticipantInfo {
	out := make([]ParticipantInfo, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p.info())
	}
	return out
}

// stale returns participants whose last-seen is older than the cutoff.
func (s *participantSet) stale(cutoff time.Time) []*Participant {
	var out []*Participant
	for _, p := range s.byID {
		if p.LastSeen.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}
