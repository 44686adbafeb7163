package permission

import "sync"

// DoomLoopThreshold is the number of identical denials in a row before a
// (principal, family) pair is flagged as looping.
const DoomLoopThreshold = 3

// DoomLoopDetector tracks repeated permission denials to surface a
// "doom_loop" trace hint (SPEC_FULL §C.4). It never changes the allow/deny
// decision itself.
type DoomLoopDetector struct {
	mu      sync.Mutex
	streaks map[grantKey]int
}

func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{streaks: map[grantKey]int{}}
}

// NoteFailure records one more denial for (principal, family).
func (d *DoomLoopDetector) NoteFailure(principal, family string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaks[grantKey{principal, family}]++
}

// Reset clears the streak after a successful Ensure.
func (d *DoomLoopDetector) Reset(principal, family string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streaks, grantKey{principal, family})
}

// IsLooping reports whether the current denial streak has reached the
// threshold.
func (d *DoomLoopDetector) IsLooping(principal, family string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaks[grantKey{principal, family}] >= DoomLoopThreshold
}
