// Package lib contains the core data model shared by the agent components:
// jobs handed out by the coordinating server, the per-run tasks derived from
// them and the script commands a task executes.
package lib

import (
	null "gopkg.in/guregu/null.v3"
)

// JobTypeLighthouse marks jobs that consist solely of a lighthouse audit and
// skip the standard script-driven run.
const JobTypeLighthouse = "lighthouse"

// Job is a unit of work requested from the coordinating server. It spans one
// or more Task runs and must be treated as immutable once fetched; only the
// lifecycle loop owns it.
type Job struct {
	ID      string `json:"id"`
	Browser string `json:"browser"`
	Type    string `json:"type,omitempty"`

	// Mobile emulation parameters. Emulation is applied only when Mobile is
	// set and all three metrics are present.
	Mobile bool       `json:"mobile,omitempty"`
	Width  null.Int   `json:"width,omitempty"`
	Height null.Int   `json:"height,omitempty"`
	DPR    null.Float `json:"dpr,omitempty"`

	// UAString overrides the browser's user agent when set. KeepUA suppresses
	// the agent version marker that is otherwise appended.
	UAString null.String `json:"uastring,omitempty"`
	KeepUA   bool        `json:"keepua,omitempty"`

	// CustomMetrics maps metric names to user-supplied script bodies that are
	// evaluated in the page after every recorded step.
	CustomMetrics map[string]string `json:"customMetrics,omitempty"`

	PNGScreenshot bool `json:"pngss,omitempty"`
	FVOnly        bool `json:"fvonly,omitempty"`
	Runs          int  `json:"runs,omitempty"`
	Lighthouse    bool `json:"lighthouse,omitempty"`

	// URL is the navigation target for jobs without an explicit script;
	// Script, when present, is the full command sequence each task starts
	// from. TimeoutSec bounds a single run.
	URL        string           `json:"url,omitempty"`
	Script     []*ScriptCommand `json:"script,omitempty"`
	TimeoutSec int              `json:"timeout,omitempty"`
}

// MobileEmulation reports whether the job carries a complete set of mobile
// emulation parameters.
func (j *Job) MobileEmulation() bool {
	return j.Mobile && j.Width.Valid && j.Height.Valid && j.DPR.Valid
}
