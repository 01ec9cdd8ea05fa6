package event

// DecisionSource names what raised a decision. Ordering matters for
// supersession dominance; see Dominance.
type DecisionSource string

const (
	SourceIdle       DecisionSource = "idle"
	SourceDead       DecisionSource = "dead"
	SourceError      DecisionSource = "error"
	SourceGate       DecisionSource = "gate"
	SourceApproval   DecisionSource = "approval"
	SourceQuestion   DecisionSource = "question"
	SourcePlan       DecisionSource = "plan"
	SourceEscalation DecisionSource = "escalation"
)

// dominanceRank orders sources by specificity. A new decision whose source
// ranks strictly below the existing unresolved one is dropped instead of
// superseding it.
var dominanceRank = map[DecisionSource]int{
	SourceQuestion:   4,
	SourcePlan:       3,
	SourceApproval:   2,
	SourceError:      1,
	SourceDead:       1,
	SourceIdle:       1,
	SourceGate:       1,
	SourceEscalation: 0,
}

// Dominates reports whether existing blocks supersession by incoming.
func Dominates(existing, incoming DecisionSource) bool {
	return dominanceRank[existing] > dominanceRank[incoming]
}

// DecisionOption is one selectable resolution.
type DecisionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Recommended bool   `json:"recommended,omitempty"`
}

// DecisionQuestion is one entry of a grouped multi-question decision.
type DecisionQuestion struct {
	Header      string   `json:"header,omitempty"`
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// DecisionCreated materialises an externally resolvable checkpoint.
type DecisionCreated struct {
	DecisionID string             `json:"decision_id"`
	Owner      Owner              `json:"owner"`
	AgentID    string             `json:"agent_id,omitempty"`
	Source     DecisionSource     `json:"source"`
	Context    string             `json:"context,omitempty"`
	Options    []DecisionOption   `json:"options"`
	Questions  []DecisionQuestion `json:"questions,omitempty"`
}

func (*DecisionCreated) Kind() string    { return "DecisionCreated" }
func (*DecisionCreated) Persisted() bool { return true }

// DecisionResolved writes a resolution. The runtime translates the chosen
// option(s) into downstream actions.
type DecisionResolved struct {
	DecisionID string `json:"decision_id"`
	Choices    []int  `json:"choices"`
	Message    string `json:"message,omitempty"`
}

func (*DecisionResolved) Kind() string    { return "DecisionResolved" }
func (*DecisionResolved) Persisted() bool { return true }

func init() {
	register("DecisionCreated", func() Payload { return &DecisionCreated{} })
	register("DecisionResolved", func() Payload { return &DecisionResolved{} })
}
