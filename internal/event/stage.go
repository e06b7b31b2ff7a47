package event

// Stage is a lifecycle position inside one direction lane.
type Stage string

// Inbound lane.
const (
	StageCreated   Stage = "created"
	StageConverted Stage = "converted"
	StageReady     Stage = "ready"
	StageSent      Stage = "sent"
	StageComplete  Stage = "complete"
)

// Outbound lane.
const (
	StageReceived   Stage = "received"
	StageProcessing Stage = "processing"
	StageCommitted  Stage = "committed"
	StageDelivering Stage = "delivering"
	StageDone       Stage = "done"
)

var lanes = map[Direction][]Stage{
	Inbound:  {StageCreated, StageConverted, StageReady, StageSent, StageComplete},
	Outbound: {StageReceived, StageProcessing, StageCommitted, StageDelivering, StageDone},
}

// Legacy numeric codes. Outbound delivering has no counterpart upstream and
// gets its own value so that codes stay unique within a lane.
var codes = map[Stage]int{
	StageCreated:    0,
	StageConverted:  10,
	StageReady:      20,
	StageSent:       40,
	StageComplete:   100,
	StageReceived:   10,
	StageProcessing: 50,
	StageCommitted:  100,
	StageDelivering: 150,
	StageDone:       200,
}

// Code returns the legacy status magnitude for s.
func (s Stage) Code() int {
	return codes[s]
}

// Lane returns the ordered stages of d.
func Lane(d Direction) []Stage {
	out := make([]Stage, len(lanes[d]))
	copy(out, lanes[d])
	return out
}

// Initial returns the first stage of d.
func Initial(d Direction) Stage {
	l := lanes[d]
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

// Rank returns the position of s in the lane of d, or -1 if s does not belong to it.
func Rank(d Direction, s Stage) int {
	for i, st := range lanes[d] {
		if st == s {
			return i
		}
	}
	return -1
}

// Belongs reports whether s is a stage of the lane of d.
func Belongs(d Direction, s Stage) bool {
	return Rank(d, s) >= 0
}

// CanAdvance reports whether from → to is a forward move within the lane of d.
// The inbound converter may skip stages; the outbound lane only moves one
// stage at a time so that no worker step is bypassed.
func CanAdvance(d Direction, from, to Stage) bool {
	rf, rt := Rank(d, from), Rank(d, to)
	if rf < 0 || rt <= rf {
		return false
	}
	return d != Outbound || rt == rf+1
}

// ParseStage returns the stage named s within the lane of d.
func ParseStage(d Direction, s string) (Stage, bool) {
	st := Stage(s)
	if !Belongs(d, st) {
		return "", false
	}
	return st, true
}

// ConvertedStage is the earliest stage of d at which a converted payload may exist.
func ConvertedStage(d Direction) Stage {
	if d == Outbound {
		return StageCommitted
	}
	return StageConverted
}
