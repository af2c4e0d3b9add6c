package sandboxbackend

import (
	"sync"

	"go.uber.org/zap"
)

// trackedNames is process-wide state recording every sandbox name
// currently believed to be live, used only for diagnosing leaks (Design
// Note "Process-wide state"). A duplicate insert or a stray delete is
// logged but never treated as fatal.
var trackedNames = struct {
	mu    sync.Mutex
	names map[string]struct{}
}{names: make(map[string]struct{})}

// TrackStart records that a sandbox named name has started.
func TrackStart(log *zap.Logger, name string) {
	trackedNames.mu.Lock()
	defer trackedNames.mu.Unlock()
	if _, dup := trackedNames.names[name]; dup {
		log.Warn("sandboxbackend: duplicate tracked sandbox name", zap.String("name", name))
	}
	trackedNames.names[name] = struct{}{}
}

// TrackStop records that a sandbox named name has stopped.
func TrackStop(log *zap.Logger, name string) {
	trackedNames.mu.Lock()
	defer trackedNames.mu.Unlock()
	if _, ok := trackedNames.names[name]; !ok {
		log.Warn("sandboxbackend: stray untracked sandbox stop", zap.String("name", name))
		return
	}
	delete(trackedNames.names, name)
}

// TrackedNames returns a snapshot of every currently tracked sandbox name,
// for diagnostics.
func TrackedNames() []string {
	trackedNames.mu.Lock()
	defer trackedNames.mu.Unlock()
	out := make([]string, 0, len(trackedNames.names))
	for n := range trackedNames.names {
		out = append(out, n)
	}
	return out
}
