package fiber

import "fmt"

// State is the scheduling state of a fiber.
type State uint32

const (
	Ready State = iota
	Running
	Waiting
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Waiting:
		return "Waiting"
	case Dead:
		return "Dead"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}
