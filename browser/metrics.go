package browser

import (
	"context"
	"embed"
	"encoding/json"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/perfwatch/agent/lib"
)

//go:embed js/*.js
var collectionScripts embed.FS

// Artifact names external tooling depends on; the naming and compression
// contract is bit-exact.
const (
	artifactTimedEvents = "timed_events.json.gz"
	artifactPageData    = "page_data.json.gz"
	artifactMetrics     = "metrics.json.gz"
)

// collectMetrics pulls the in-page data for a recorded step and persists
// each artifact independently so a failure in one never blocks the others.
func (b *Browser) collectMetrics(ctx context.Context, task *lib.Task) {
	if raw := b.runScriptFile(ctx, "user_timing.js"); raw != nil {
		b.writeArtifact(task, artifactTimedEvents, raw)
	}
	if raw := b.runScriptFile(ctx, "page_data.js"); raw != nil {
		b.writeArtifact(task, artifactPageData, raw)
	}
	if len(b.job.CustomMetrics) == 0 {
		return
	}

	custom := make(map[string]json.RawMessage, len(b.job.CustomMetrics))
	for name, body := range b.job.CustomMetrics {
		// The guard wrapper keeps one throwing metric from aborting the rest.
		script := "var wptCustomMetric = function() {" + body + "};try{wptCustomMetric();}catch(e){};"
		raw, err := b.session.ExecuteJS(ctx, script)
		if err != nil {
			b.logger.WithError(err).WithField("metric", name).Debug("custom metric failed")
		}
		if raw == nil {
			raw = json.RawMessage("null")
		}
		custom[name] = raw
	}
	payload, err := json.Marshal(custom)
	if err != nil {
		b.logger.WithError(err).Error("error serializing custom metrics")
		return
	}
	b.writeArtifact(task, artifactMetrics, payload)
}

// runScriptFile evaluates one of the embedded collection scripts. A missing
// script or a failed evaluation yields nil and the artifact is skipped.
func (b *Browser) runScriptFile(ctx context.Context, name string) json.RawMessage {
	script, err := collectionScripts.ReadFile("js/" + name)
	if err != nil {
		return nil
	}
	raw, err := b.session.ExecuteJS(ctx, string(script))
	if err != nil {
		b.logger.WithError(err).WithField("script", name).Debug("collection script failed")
		return nil
	}
	return raw
}

// writeArtifact persists one gzip-compressed JSON artifact under the task's
// directory and prefix.
func (b *Browser) writeArtifact(task *lib.Task, name string, payload []byte) {
	log := b.logger.WithFields(logrus.Fields{"artifact": name, "prefix": task.Prefix})
	f, err := b.fs.Create(task.ArtifactPath(name))
	if err != nil {
		log.WithError(err).Error("error creating artifact file")
		return
	}
	defer func() { _ = f.Close() }()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(payload); err != nil {
		log.WithError(err).Error("error compressing artifact")
		return
	}
	if err := gz.Close(); err != nil {
		log.WithError(err).Error("error finishing artifact")
		return
	}
	log.Debug("artifact written")
}
