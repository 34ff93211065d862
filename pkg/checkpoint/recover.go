package checkpoint

import (
	"github.com/pipewarden/pipewarden/pkg/telemetry"
)

// RecoverAll runs the startup staleness sweep over all known pipeline
// names: any checkpoint still marked "running" belongs to a process that
// died mid-step and is flipped to "resume". Returns the number of
// pipelines recovered. Individual failures are logged and do not stop
// the sweep.
func RecoverAll(dir string, names []string, log *telemetry.Logger) int {
	recovered := 0
	for _, name := range names {
		store, err := New(dir, name, WithLogger(log))
		if err != nil {
			if log != nil {
				log.WithScraper(name).Warnf("skipping recovery: %v", err)
			}
			continue
		}

		flipped, err := store.RecoverIfStale()
		if err != nil {
			if log != nil {
				log.WithScraper(name).Warnf("recovery persist failed: %v", err)
			}
		}
		if flipped {
			recovered++
			if log != nil {
				log.WithScraper(name).Info("stale running checkpoint flipped to resume")
			}
		}
	}
	return recovered
}
