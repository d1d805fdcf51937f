package broker

// Phase is the runtime state of one broker connection. It is derived,
// never persisted; the durable intent lives in BrokerConfig.Enabled
// plus the runtime desired flag.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseDisconnecting:
		return "Disconnecting"
	case PhaseBackoff:
		return "Backoff"
	}
	return "Unknown"
}

// MarshalJSON renders phases as their names so status payloads stay
// readable for the dashboard poller.
func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}
