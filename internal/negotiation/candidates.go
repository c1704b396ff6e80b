package negotiation

import "github.com/pion/webrtc/v4"

// CandidateQueue buffers ICE candidates in arrival order until the
// connection (or the outbound channel) can take them.
type CandidateQueue struct {
	items []webrtc.ICECandidateInit
}

// Push appends c to the tail of the queue.
func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// Drain returns every queued candidate in arrival order and empties the queue.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued candidates.
func (q *CandidateQueue) Len() int {
	return len(q.items)
}
