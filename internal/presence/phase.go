package presence

// Phase names where the agent is in its join/leave cycle.
//
//	Idle          -> Scanning       (departure triggers a scan)
//	Idle          -> TimerPending   (member joins, join armed)
//	Scanning      -> TimerPending   (occupied channel found, adapter known)
//	Scanning      -> Idle           (nothing occupied, timer cancelled)
//	TimerPending  -> Scanning       (target emptied by a disconnect)
//	TimerPending  -> Joining        (delay elapsed, target still set)
//	TimerPending  -> Idle           (delay elapsed, target vacated)
//	Joining       -> Connected      (connection established)
//	Joining       -> Idle           (join failed)
//	Connected     -> SoloDeparting  (agent alone in its channel)
//	Connected     -> Idle           (agent disconnected)
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseTimerPending
	PhaseJoining
	PhaseConnected
	PhaseSoloDeparting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseTimerPending:
		return "timer-pending"
	case PhaseJoining:
		return "joining"
	case PhaseConnected:
		return "connected"
	case PhaseSoloDeparting:
		return "solo-departing"
	default:
		return "unknown"
	}
}
