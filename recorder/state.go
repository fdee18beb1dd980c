package recorder

// State is a recorder lifecycle state.
type State int32

const (
	Init State = iota
	WaitingReady
	Armed
	Running
	Stopped
	HandedOff
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case WaitingReady:
		return "WAITING_READY"
	case Armed:
		return "ARMED"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	case HandedOff:
		return "HANDED_OFF"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the recorder will not change state again.
func (s State) Terminal() bool {
	return s == HandedOff || s == Failed
}
