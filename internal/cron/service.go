// Package cron runs the housekeeping jobs that keep in-memory state bounded.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/tagflow/internal/store"
)

const (
	JobGuardPrune        = "guard-prune"
	JobSummaryCacheSweep = "summary-cache-sweep"

	statusOK    = "ok"
	statusError = "error"
)

// JobFunc performs one run and returns a short human-readable result.
type JobFunc func(ctx context.Context) (string, error)

// JobState is persisted after every run so other processes can report it.
type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
	Runs        int    `json:"runs"`
}

type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	State    JobState `json:"state"`
}

type registeredJob struct {
	Job
	run JobFunc
}

type Service struct {
	statePath string
	mu        sync.Mutex
	jobs      []*registeredJob
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job name -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	now       func() time.Time
}

// NewService creates a scheduler. statePath may be empty, in which case job
// state is kept in memory only.
func NewService(statePath string) *Service {
	return &Service{
		statePath: statePath,
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
		now:       time.Now,
	}
}

// AddJob registers a named job. Schedules use the six-field seconds format.
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	if _, err := rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow).Parse(schedule); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	job := &registeredJob{Job: Job{Name: name, Schedule: schedule}, run: fn}
	if prev, ok := s.loadStateLocked()[name]; ok {
		job.State = prev
	}
	s.jobs = append(s.jobs, job)
	if s.cron != nil {
		s.registerJob(job)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithSeconds())
	for _, job := range s.jobs {
		s.registerJob(job)
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()
	return nil
}

func (s *Service) registerJob(job *registeredJob) {
	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() {
		if err := s.RunNow(name); err != nil {
			log.Printf("[cron] warning: %v", err)
		}
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Schedule, err)
		return
	}
	s.entryMap[job.Name] = id
}

// RunNow executes a job synchronously and records its state.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var job *registeredJob
	for _, j := range s.jobs {
		if j.Name == name {
			job = j
			break
		}
	}
	ctx := s.runCtx
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("job %s not found", name)
	}

	result, err := job.run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	job.State.LastRunAtMs = s.now().UnixMilli()
	job.State.Runs++
	if err != nil {
		job.State.LastStatus = statusError
		job.State.LastError = err.Error()
		job.State.LastResult = ""
		log.Printf("[cron] job %s error: %v", name, err)
	} else {
		job.State.LastStatus = statusOK
		job.State.LastError = ""
		job.State.LastResult = truncate(result, 100)
		log.Printf("[cron] job %s result: %s", name, job.State.LastResult)
	}
	if err := s.saveLocked(); err != nil {
		log.Printf("[cron] warning: save job state: %v", err)
	}
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Job
	}
	return out
}

// LoadJobs reads the job state persisted by a running service.
func LoadJobs(statePath string) ([]Job, error) {
	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job state: %w", err)
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse job state: %w", err)
	}
	return jobs, nil
}

func (s *Service) loadStateLocked() map[string]JobState {
	if s.statePath == "" {
		return nil
	}
	jobs, err := LoadJobs(s.statePath)
	if err != nil {
		log.Printf("[cron] warning: failed to load job state: %v", err)
		return nil
	}
	states := make(map[string]JobState, len(jobs))
	for _, j := range jobs {
		states[j.Name] = j.State
	}
	return states
}

func (s *Service) saveLocked() error {
	if s.statePath == "" {
		return nil
	}
	jobs := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		jobs[i] = j.Job
	}
	return store.WriteJSONAtomic(s.statePath, jobs)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
