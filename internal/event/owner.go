package event

import "fmt"

// OwnerKind discriminates the two kinds of supervised owners.
type OwnerKind string

const (
	OwnerJob  OwnerKind = "job"
	OwnerCrew OwnerKind = "crew"
)

// Owner anchors agents, decisions, timers, and attempt trackers to either a
// job or a crew run.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// JobOwner returns an Owner referencing a job.
func JobOwner(id string) Owner { return Owner{Kind: OwnerJob, ID: id} }

// CrewOwner returns an Owner referencing a crew run.
func CrewOwner(id string) Owner { return Owner{Kind: OwnerCrew, ID: id} }

// IsZero reports whether the owner is unset.
func (o Owner) IsZero() bool { return o.ID == "" }

func (o Owner) String() string {
	return fmt.Sprintf("%s:%s", o.Kind, o.ID)
}
