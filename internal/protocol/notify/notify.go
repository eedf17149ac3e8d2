// Package notify classifies unsolicited StatusNotification documents into
// experiment lifecycle states.
package notify

import (
	"errors"
	"fmt"

	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/rs/zerolog/log"
)

// Tag is the message kind of every status notification.
const Tag = "StatusNotification"

var (
	ErrUnknownNotification = errors.New("notify: unrecognized status notification")
	ErrRegression          = errors.New("notify: lifecycle went backwards")
)

// State is one step of a protocol run. The declaration order is the order a
// run moves through.
type State int

const (
	StateUnknown State = iota
	StateStarted
	StateRunning
	StateStopping
	StateFinishing
	StateCompleted
	StateError
)

var stateNames = map[State]string{
	StateUnknown:   "UNKNOWN",
	StateStarted:   "STARTED",
	StateRunning:   "RUNNING",
	StateStopping:  "STOPPING",
	StateFinishing: "FINISHING",
	StateCompleted: "COMPLETED",
	StateError:     "ERROR",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the run is over.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Notification is the decoded content of one StatusNotification.
type Notification struct {
	State    State
	Folder   string
	Protocol string
	Progress string
	Message  string
}

// Decode maps a StatusNotification document to a Notification. The data
// folder is only reported for Ready and Stopping, once acquisition has
// stopped and the path is final.
func Decode(doc document.Document) (Notification, error) {
	kind := doc.Kind()
	if kind.Tag() != Tag {
		return Notification{}, fmt.Errorf("%w: kind=%s", ErrUnknownNotification, kind.Tag())
	}
	children := kind.Children()
	if len(children) != 1 {
		return Notification{}, fmt.Errorf("%w: %d children", ErrUnknownNotification, len(children))
	}
	child := children[0]
	n := Notification{Protocol: child.AttrOr("protocol", "")}
	switch child.Tag() {
	case "State":
		status := child.AttrOr("status", "")
		switch status {
		case "Running":
			n.State = StateStarted
		case "Ready":
			n.State = StateFinishing
			n.Folder = child.AttrOr("dataFolder", "")
		case "Stopping":
			n.State = StateStopping
			n.Folder = child.AttrOr("dataFolder", "")
		default:
			return Notification{}, fmt.Errorf("%w: State status=%q", ErrUnknownNotification, status)
		}
	case "Progress":
		n.State = StateRunning
		n.Progress = child.AttrOr("percentage", "")
	case "Completed":
		n.State = StateCompleted
	case "Error":
		n.State = StateError
		n.Message = child.AttrOr("error", child.Text())
	default:
		return Notification{}, fmt.Errorf("%w: child=%s", ErrUnknownNotification, child.Tag())
	}
	return n, nil
}

// Classify returns the lifecycle state and, for Ready/Stopping, the data
// folder. Unrecognized shapes yield StateUnknown and a warning.
func Classify(doc document.Document) (State, string) {
	n, err := Decode(doc)
	if err != nil {
		log.Warn().Str("component", "notify").Err(err).Msg("classifying notification as UNKNOWN")
		return StateUnknown, ""
	}
	return n.State, n.Folder
}

// IsNotification reports whether doc is a StatusNotification.
func IsNotification(doc document.Document) bool {
	return doc.Tag() == Tag
}
