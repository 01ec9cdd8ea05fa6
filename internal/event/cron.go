package event

import "time"

// CronTargetKind names what a cron tick triggers.
type CronTargetKind string

const (
	CronTargetJob   CronTargetKind = "job"
	CronTargetAgent CronTargetKind = "agent"
	CronTargetShell CronTargetKind = "shell"
)

// CronTarget is the trigger target of a cron.
type CronTarget struct {
	Kind    CronTargetKind `json:"kind"`
	Name    string         `json:"name,omitempty"`    // job kind or agent name
	Command string         `json:"command,omitempty"` // shell command
}

// CronStarted starts (or refreshes) a recurring trigger.
type CronStarted struct {
	Name        string        `json:"name"`
	Namespace   string        `json:"namespace,omitempty"`
	Interval    time.Duration `json:"interval"`
	Target      CronTarget    `json:"target"`
	Concurrency int           `json:"concurrency"`
	RunbookHash string        `json:"runbook_hash"`
	Dir         string        `json:"dir"`
}

func (*CronStarted) Kind() string    { return "CronStarted" }
func (*CronStarted) Persisted() bool { return true }

// CronStopped stops a recurring trigger.
type CronStopped struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

func (*CronStopped) Kind() string    { return "CronStopped" }
func (*CronStopped) Persisted() bool { return true }

// TimerStart fires when a scheduler timer comes due. Transient; timers are
// recomputed from state on boot.
type TimerStart struct {
	Key string `json:"key"`
}

func (*TimerStart) Kind() string    { return "TimerStart" }
func (*TimerStart) Persisted() bool { return false }

func init() {
	register("CronStarted", func() Payload { return &CronStarted{} })
	register("CronStopped", func() Payload { return &CronStopped{} })
	register("TimerStart", func() Payload { return &TimerStart{} })
}
