// Package workspace derives one published activity status per workspace from
// the instance clients that serve it.
package workspace

// Label summarizes an AggregatedStatus.
type Label string

const (
	LabelNone  Label = "none"
	LabelIdle  Label = "idle"
	LabelBusy  Label = "busy"
	LabelMixed Label = "mixed"
)

// AggregatedStatus is the published status of a workspace.
type AggregatedStatus struct {
	Idle  int   `json:"idle"`
	Busy  int   `json:"busy"`
	Label Label `json:"label"`
}

// NoneStatus is the status of unknown, unattached or removed workspaces.
var NoneStatus = AggregatedStatus{Label: LabelNone}

// StatusFromCounts labels idle/busy instance counts.
func StatusFromCounts(idle, busy int) AggregatedStatus {
	s := AggregatedStatus{Idle: idle, Busy: busy}
	switch {
	case idle > 0 && busy > 0:
		s.Label = LabelMixed
	case busy > 0:
		s.Label = LabelBusy
	case idle > 0:
		s.Label = LabelIdle
	default:
		s.Label = LabelNone
	}
	return s
}

// Equal compares label and both counts.
func (s AggregatedStatus) Equal(o AggregatedStatus) bool {
	return s.Label == o.Label && s.Idle == o.Idle && s.Busy == o.Busy
}

// StatusChangedEvent is published whenever a workspace's status changes.
type StatusChangedEvent struct {
	Workspace string           `json:"workspace"`
	Status    AggregatedStatus `json:"status"`
}
