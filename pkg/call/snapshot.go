package call

import (
	"time"

	"chatlink/pkg/media"
	"chatlink/pkg/types"
)

// Snapshot is a read-only view of the current session.
type Snapshot struct {
	ID        string
	Kind      types.CallKind
	Direction Direction
	State     State
	PeerID    string
	PeerName  string

	// Pending is set while local media or the offer is being prepared and the
	// peer has not been contacted yet.
	Pending bool

	MutedAudio   bool
	MutedVideo   bool
	Facing       media.Facing
	HasVideo     bool
	RemoteTracks int

	// ActiveSince is when media first flowed; zero before the call is Active.
	ActiveSince time.Time
}

// Elapsed is the call duration so far, measured from ActiveSince.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if s.ActiveSince.IsZero() {
		return 0
	}

	return now.Sub(s.ActiveSince)
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.session
	if s == nil {
		return Snapshot{State: StateIdle}
	}

	snap := Snapshot{
		ID:           s.id,
		Kind:         s.kind,
		Direction:    s.direction,
		State:        s.state,
		PeerID:       s.peerID,
		PeerName:     s.peerInfo.DisplayName(),
		Pending:      s.state == StateIdle && s.inflight,
		MutedAudio:   s.mutedAudio,
		MutedVideo:   s.mutedVideo,
		Facing:       s.facing,
		RemoteTracks: len(s.remote),
		ActiveSince:  s.activeSince,
	}

	if s.peerInfo.ID == "" {
		snap.PeerName = s.peerID
	}

	if s.local != nil {
		snap.HasVideo = s.local.Video() != nil
	}

	return snap
}
