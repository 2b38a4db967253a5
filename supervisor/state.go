package supervisor

// State is the upstream process lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Ready
	Crashed
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Crashed:
		return "crashed"
	case Stopping:
		return "stopping"
	}
	return "stopped"
}
