package lib

import (
	"path/filepath"
	"time"
)

// Task is one concrete run derived from a Job. The script queue is consumed
// destructively, so a Task is single-use and cannot be replayed.
type Task struct {
	Run       int              `json:"run"`
	Cached    bool             `json:"cached"`
	TimeLimit time.Duration    `json:"-"`
	Dir       string           `json:"dir"`
	Prefix    string           `json:"prefix"`
	Script    []*ScriptCommand `json:"script"`

	// Error holds the first error recorded for the run; empty means success.
	Error string `json:"error,omitempty"`

	// RunningLighthouse distinguishes the optional secondary audit run from
	// the standard script-driven run of the same task identity.
	RunningLighthouse bool `json:"-"`
}

// ScriptCommand is a single interpreter instruction. Commands execute in FIFO
// order; scripts are flat linear sequences without branching.
type ScriptCommand struct {
	Command string `json:"command"`
	Target  string `json:"target"`
	Value   string `json:"value,omitempty"`

	// Record marks commands whose effects must be captured: page load wait,
	// screenshot and metric collection.
	Record bool `json:"record"`
}

// PopCommand removes and returns the next queued command, or nil when the
// script is exhausted.
func (t *Task) PopCommand() *ScriptCommand {
	if len(t.Script) == 0 {
		return nil
	}
	cmd := t.Script[0]
	t.Script = t.Script[1:]
	return cmd
}

// SetError records err against the task. Only the first error sticks; later
// ones would describe cascading damage from the same failure.
func (t *Task) SetError(msg string) {
	if t.Error == "" {
		t.Error = msg
	}
}

// HasError reports whether an error has been recorded for the run.
func (t *Task) HasError() bool { return t.Error != "" }

// ArtifactPath returns the namespaced path for a run artifact. The directory
// plus prefix is the key that keeps artifacts from colliding across runs of
// the same job.
func (t *Task) ArtifactPath(name string) string {
	return filepath.Join(t.Dir, t.Prefix+name)
}
