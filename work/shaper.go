package work

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/perfwatch/agent/lib"
)

// NopShaper is a TrafficShaper that shapes nothing. It stands in on hosts
// without a shaping backend so the lifecycle's acquire/release discipline
// still gets exercised.
type NopShaper struct {
	Logger logrus.FieldLogger
}

// Install implements TrafficShaper.
func (s *NopShaper) Install() error { return nil }

// Configure implements TrafficShaper.
func (s *NopShaper) Configure(_ context.Context, job *lib.Job) error {
	if s.Logger != nil {
		s.Logger.WithField("job", job.ID).Debug("traffic shaping disabled, running unshaped")
	}
	return nil
}

// Reset implements TrafficShaper.
func (s *NopShaper) Reset() {}

// Remove implements TrafficShaper.
func (s *NopShaper) Remove() {}

var _ TrafficShaper = &NopShaper{}
