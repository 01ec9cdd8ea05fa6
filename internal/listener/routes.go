package listener

import (
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oj-sh/oj/internal/engine"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)

		api.POST("/commands/run", s.handleCommandRun)

		api.GET("/jobs", s.handleListJobs)
		api.GET("/jobs/:id", s.handleGetJob)
		api.POST("/jobs/:id/resume", s.handleJobResume)
		api.POST("/jobs/:id/cancel", s.handleJobCancel)
		api.POST("/jobs/:id/suspend", s.handleJobSuspend)
		api.DELETE("/jobs/:id", s.handleJobDelete)

		api.GET("/crews", s.handleListCrews)
		api.POST("/crews/:id/cancel", s.handleCrewCancel)

		api.GET("/decisions", s.handleListDecisions)
		api.POST("/decisions/:id/resolve", s.handleDecisionResolve)

		api.POST("/workers/start", s.handleWorkerStart)
		api.POST("/workers/stop", s.handleWorkerStop)
		api.POST("/workers/resize", s.handleWorkerResize)

		api.POST("/crons/start", s.handleCronStart)
		api.POST("/crons/stop", s.handleCronStop)

		api.POST("/queues/push", s.handleQueuePush)
		api.GET("/queues/items", s.handleQueueList)
		api.POST("/queues/items/:id/done", s.handleQueueItemDone)
		api.POST("/queues/items/:id/fail", s.handleQueueItemFail)
		api.POST("/queues/items/:id/retry", s.handleQueueItemRetry)
		api.POST("/queues/items/:id/drop", s.handleQueueItemDrop)
		api.POST("/queues/drain", s.handleQueueDrain)
		api.POST("/queues/prune", s.handleQueuePrune)
	}
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var ambiguous *state.AmbiguousPrefixError
	switch {
	case errors.Is(err, state.ErrNotFound),
		errors.Is(err, engine.ErrJobNotFound),
		errors.Is(err, engine.ErrCrewNotFound),
		errors.Is(err, engine.ErrStepNotFound):
		status = http.StatusNotFound
	case errors.As(err, &ambiguous):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrAliveAgent):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrRunbookLoad),
		errors.Is(err, engine.ErrInvalidRunDirective):
		status = http.StatusBadRequest
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StatusResponse summarises the daemon for `oj status`.
type StatusResponse struct {
	Version   string `json:"version"`
	PID       int    `json:"pid"`
	Seq       uint64 `json:"seq"`
	Uptime    string `json:"uptime"`
	Jobs      int    `json:"jobs"`
	Crews     int    `json:"crews"`
	Agents    int    `json:"agents"`
	Workers   int    `json:"workers"`
	Crons     int    `json:"crons"`
	Decisions int    `json:"decisions"` // unresolved
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{Version: s.version, PID: os.Getpid(), Uptime: time.Since(s.startedAt).Round(time.Second).String()}
	s.eng.View(func(st *state.State) {
		resp.Seq = st.Seq
		resp.Jobs = len(st.Jobs)
		resp.Crews = len(st.Crews)
		resp.Agents = len(st.Agents)
		resp.Workers = len(st.Workers)
		resp.Crons = len(st.Crons)
		for _, d := range st.Decisions {
			if !d.Resolved {
				resp.Decisions++
			}
		}
	})
	c.JSON(http.StatusOK, resp)
}

// CommandRunRequest invokes a runbook command (job kind, agent, or shell).
type CommandRunRequest struct {
	Command     string            `json:"command" binding:"required"`
	Project     string            `json:"project"`
	Dir         string            `json:"dir" binding:"required"`
	RunbookPath string            `json:"runbook_path" binding:"required"`
	Vars        map[string]string `json:"vars"`
}

func (s *Server) handleCommandRun(c *gin.Context) {
	var req CommandRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.eng.ProcessSync(&event.CommandRun{
		Command:     req.Command,
		Project:     req.Project,
		Dir:         req.Dir,
		RunbookPath: req.RunbookPath,
		Vars:        req.Vars,
	}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// JobSummary is the list-view projection of a job.
type JobSummary struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      string           `json:"kind"`
	Project   string           `json:"project,omitempty"`
	Step      string           `json:"step"`
	Status    event.StepStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (s *Server) handleListJobs(c *gin.Context) {
	var jobs []JobSummary
	s.eng.View(func(st *state.State) {
		for _, j := range st.Jobs {
			jobs = append(jobs, JobSummary{
				ID: j.ID, Name: j.Name, Kind: j.Kind, Project: j.Project,
				Step: j.Step, Status: j.Status, Error: j.Error,
				CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
			})
		}
	})
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleGetJob(c *gin.Context) {
	var job *state.Job
	var rerr error
	s.eng.View(func(st *state.State) {
		j, err := st.ResolveJob(c.Param("id"))
		if err != nil {
			rerr = err
			return
		}
		cp := *j
		job = &cp
	})
	if rerr != nil {
		s.fail(c, rerr)
		return
	}
	c.JSON(http.StatusOK, job)
}

// JobResumeRequest restarts, replays, or messages a job's current step.
type JobResumeRequest struct {
	Message string            `json:"message"`
	Vars    map[string]string `json:"vars"`
	Kill    bool              `json:"kill"`
}

func (s *Server) handleJobResume(c *gin.Context) {
	// The body is optional; a bare resume restarts the step as-is.
	var req JobResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	id, err := s.resolveJobID(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.eng.ProcessSync(&event.JobResume{
		JobID:   id,
		Message: req.Message,
		Vars:    req.Vars,
		Kill:    req.Kill,
	}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id})
}

func (s *Server) handleJobCancel(c *gin.Context) {
	id, err := s.resolveJobID(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.eng.ProcessSync(&event.JobCancelRequested{JobID: id}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id})
}

func (s *Server) handleJobSuspend(c *gin.Context) {
	id, err := s.resolveJobID(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.eng.ProcessSync(&event.JobSuspendRequested{JobID: id}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id})
}

func (s *Server) handleJobDelete(c *gin.Context) {
	id, err := s.resolveJobID(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.eng.ProcessSync(&event.JobDeleted{JobID: id}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id})
}

func (s *Server) handleListCrews(c *gin.Context) {
	var crews []state.Crew
	s.eng.View(func(st *state.State) {
		for _, cr := range st.Crews {
			crews = append(crews, *cr)
		}
	})
	c.JSON(http.StatusOK, gin.H{"crews": crews})
}

func (s *Server) handleCrewCancel(c *gin.Context) {
	var id string
	var rerr error
	s.eng.View(func(st *state.State) {
		cr, err := st.ResolveCrew(c.Param("id"))
		if err != nil {
			rerr = err
			return
		}
		id = cr.ID
	})
	if rerr != nil {
		s.fail(c, rerr)
		return
	}
	if err := s.eng.ProcessSync(&event.CrewCancelRequested{CrewID: id}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"crew_id": id})
}

func (s *Server) handleListDecisions(c *gin.Context) {
	var decisions []state.Decision
	s.eng.View(func(st *state.State) {
		for _, d := range st.Decisions {
			if d.Resolved && c.Query("all") == "" {
				continue
			}
			decisions = append(decisions, *d)
		}
	})
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

// DecisionResolveRequest answers a pending decision. Multi-question
// decisions carry one index per question.
type DecisionResolveRequest struct {
	Choices []int  `json:"choices" binding:"required"`
	Message string `json:"message"`
}

func (s *Server) handleDecisionResolve(c *gin.Context) {
	var req DecisionResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	var id string
	var rerr error
	var resolved bool
	s.eng.View(func(st *state.State) {
		d, err := st.ResolveDecision(c.Param("id"))
		if err != nil {
			rerr = err
			return
		}
		resolved = d.Resolved
		id = d.ID
	})
	if rerr != nil {
		s.fail(c, rerr)
		return
	}
	if resolved {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "decision already resolved"})
		return
	}
	if err := s.eng.ProcessSync(&event.DecisionResolved{
		DecisionID: id,
		Choices:    req.Choices,
		Message:    req.Message,
	}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision_id": id})
}

// WorkerRequest addresses a worker; start additionally needs the runbook.
type WorkerRequest struct {
	Name        string `json:"name" binding:"required"`
	Namespace   string `json:"namespace"`
	RunbookPath string `json:"runbook_path"`
	Dir         string `json:"dir"`
	Concurrency int    `json:"concurrency"`
}

func (s *Server) handleWorkerStart(c *gin.Context) {
	var req WorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.RunbookPath == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "runbook_path is required"})
		return
	}
	if err := s.eng.StartWorker(req.RunbookPath, req.Name, req.Namespace, req.Dir); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": state.ScopedName(req.Namespace, req.Name)})
}

func (s *Server) handleWorkerStop(c *gin.Context) {
	var req WorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.eng.StopWorker(req.Name, req.Namespace); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": state.ScopedName(req.Namespace, req.Name)})
}

func (s *Server) handleWorkerResize(c *gin.Context) {
	var req WorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.eng.ResizeWorker(req.Name, req.Namespace, req.Concurrency); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": state.ScopedName(req.Namespace, req.Name)})
}

// CronRequest addresses a cron; start additionally needs the runbook.
type CronRequest struct {
	Name        string `json:"name" binding:"required"`
	Namespace   string `json:"namespace"`
	RunbookPath string `json:"runbook_path"`
	Dir         string `json:"dir"`
}

func (s *Server) handleCronStart(c *gin.Context) {
	var req CronRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.RunbookPath == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "runbook_path is required"})
		return
	}
	if err := s.eng.StartCron(req.RunbookPath, req.Name, req.Namespace, req.Dir); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cron": state.ScopedName(req.Namespace, req.Name)})
}

func (s *Server) handleCronStop(c *gin.Context) {
	var req CronRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.eng.StopCron(req.Name, req.Namespace); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cron": state.ScopedName(req.Namespace, req.Name)})
}

// QueuePushRequest appends an item; equal pending/active data dedups to the
// existing item.
type QueuePushRequest struct {
	Queue     string            `json:"queue" binding:"required"`
	Namespace string            `json:"namespace"`
	Data      map[string]string `json:"data" binding:"required"`
}

func (s *Server) handleQueuePush(c *gin.Context) {
	var req QueuePushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	id, err := s.eng.PushQueueItem(req.Queue, req.Namespace, req.Data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": id})
}

func (s *Server) handleQueueList(c *gin.Context) {
	queue := c.Query("queue")
	ns := c.Query("namespace")
	var items []state.QueueItem
	s.eng.View(func(st *state.State) {
		for _, it := range st.QueueItems {
			if queue != "" && state.ScopedName(it.Namespace, it.Queue) != state.ScopedName(ns, queue) {
				continue
			}
			items = append(items, *it)
		}
	})
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleQueueItemDone(c *gin.Context) {
	s.queueItemUpdate(c, event.ItemCompleted)
}

func (s *Server) handleQueueItemFail(c *gin.Context) {
	s.queueItemUpdate(c, event.ItemFailed)
}

func (s *Server) handleQueueItemRetry(c *gin.Context) {
	s.queueItemUpdate(c, event.ItemRetried)
}

func (s *Server) queueItemUpdate(c *gin.Context, status event.QueueItemStatus) {
	id, err := s.eng.ResolveQueueItemStatus(c.Param("id"), status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": id})
}

func (s *Server) handleQueueItemDrop(c *gin.Context) {
	id, err := s.eng.DropQueueItem(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": id})
}

// QueueDrainRequest drops every pending item in a queue.
type QueueDrainRequest struct {
	Queue     string `json:"queue" binding:"required"`
	Namespace string `json:"namespace"`
}

func (s *Server) handleQueueDrain(c *gin.Context) {
	var req QueueDrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	ids, err := s.eng.DrainQueue(req.Queue, req.Namespace)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dropped": ids})
}

// QueuePruneRequest removes terminal items older than 12 h, or all of them.
type QueuePruneRequest struct {
	All bool `json:"all"`
}

func (s *Server) handleQueuePrune(c *gin.Context) {
	var req QueuePruneRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	n, err := s.eng.PruneQueueItems(req.All)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": n})
}

func (s *Server) resolveJobID(prefix string) (string, error) {
	var id string
	var rerr error
	s.eng.View(func(st *state.State) {
		j, err := st.ResolveJob(prefix)
		if err != nil {
			rerr = err
			return
		}
		id = j.ID
	})
	return id, rerr
}
