package host

// State is where a connection is in its lifecycle
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ServiceDiscovery
	Ready
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServiceDiscovery:
		return "service-discovery"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// transitions lists the legal next states. Disconnecting is reachable from
// every live state; a failed connect attempt returns straight to
// Disconnected; a peripheral-side link and a restored session skip
// ServiceDiscovery.
var transitions = map[State][]State{
	Disconnected:     {Connecting},
	Connecting:       {Connected, Disconnecting, Disconnected},
	Connected:        {ServiceDiscovery, Ready, Disconnecting},
	ServiceDiscovery: {Ready, Disconnecting},
	Ready:            {Disconnecting},
	Disconnecting:    {Disconnected},
}

// CanTransition reports whether to may follow s
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// live reports whether the link is up or coming up
func (s State) live() bool {
	return s != Disconnected && s != Disconnecting
}
