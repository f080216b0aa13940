package reliability

import "sync"

// defaultResetThreshold is the reasoning iterations tolerated before a
// session is told to start its chain of thought fresh.
const defaultResetThreshold = 6

// ReasoningResetController tracks reasoning iterations per session and
// signals when a session has churned long enough that the next turn should
// restart from a clean line of reasoning.
type ReasoningResetController struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	resets    map[string]int
}

// NewReasoningResetController returns a controller. A non-positive
// threshold uses the default.
func NewReasoningResetController(threshold int) *ReasoningResetController {
	if threshold <= 0 {
		threshold = defaultResetThreshold
	}
	return &ReasoningResetController{
		threshold: threshold,
		counts:    make(map[string]int),
		resets:    make(map[string]int),
	}
}

// NoteIteration records one reasoning iteration for the session. It
// returns true when the threshold is hit, in which case the counter is
// cleared and the caller should reset the session's reasoning.
func (c *ReasoningResetController) NoteIteration(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID]++
	if c.counts[sessionID] < c.threshold {
		return false
	}
	c.counts[sessionID] = 0
	c.resets[sessionID]++
	return true
}

// NoteTaskResolved clears the session's counter. A resolved task means the
// churn ended productively and no reset is owed.
func (c *ReasoningResetController) NoteTaskResolved(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, sessionID)
}

// Iterations reports the session's current iteration count.
func (c *ReasoningResetController) Iterations(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[sessionID]
}

// Resets reports how many resets the session has been issued.
func (c *ReasoningResetController) Resets(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets[sessionID]
}
