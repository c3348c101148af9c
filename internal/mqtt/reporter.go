package mqtt

import (
	"log"
	"time"

	"github.com/sweeney/terrarium-controller/internal/control"
	"github.com/sweeney/terrarium-controller/internal/schedule"
)

// Reporter turns control loop reports into MQTT events. It implements
// control.Observer.
//
// Transitions and write failures are always published. Decisions are only
// published when an output's reason changes, so a steady schedule produces no
// traffic. Heartbeats carry a full status snapshot.
type Reporter struct {
	pub       Publisher
	heartbeat time.Duration
	status    func(event, reason string) []byte

	lastHeartbeat time.Time
	reasons       map[string]string
}

// NewReporter creates a Reporter. heartbeat of 0 disables heartbeats. status,
// if non-nil, renders the payload of system events.
func NewReporter(pub Publisher, heartbeat time.Duration, status func(event, reason string) []byte) *Reporter {
	return &Reporter{
		pub:       pub,
		heartbeat: heartbeat,
		status:    status,
		reasons:   make(map[string]string),
	}
}

// Observe publishes the events in r.
func (rp *Reporter) Observe(r control.Report) {
	for _, d := range r.Decisions {
		if rp.reasons[d.OutputID] == d.Reason {
			continue
		}
		rp.reasons[d.OutputID] = d.Reason
		rp.publish(Event{
			Timestamp:  r.At,
			Type:       EventDecision,
			OutputID:   d.OutputID,
			Desired:    string(d.Desired),
			Reason:     d.Reason,
			Overridden: d.Overridden,
		})
	}

	for _, t := range r.Transitions {
		rp.publish(Event{
			Timestamp:  t.At,
			Type:       EventTransition,
			OutputID:   t.OutputID,
			From:       stateName(t.From),
			To:         string(t.To),
			Reason:     rp.reasons[t.OutputID],
			Overridden: overridden(r.Decisions, t.OutputID),
		})
	}

	for _, f := range r.Failures {
		rp.publish(Event{
			Timestamp: r.At,
			Type:      EventWriteFailed,
			OutputID:  f.OutputID,
			Reason:    rp.reasons[f.OutputID],
			Error:     f.Err.Error(),
		})
	}

	if r.Phase == control.Ticking {
		rp.checkHeartbeat(r.At)
	}
}

// checkHeartbeat publishes a HEARTBEAT once every heartbeat interval. The
// first tick only starts the interval.
func (rp *Reporter) checkHeartbeat(now time.Time) {
	if rp.heartbeat <= 0 {
		return
	}
	if rp.lastHeartbeat.IsZero() {
		rp.lastHeartbeat = now
		return
	}
	if now.Sub(rp.lastHeartbeat) < rp.heartbeat {
		return
	}
	rp.lastHeartbeat = now

	if err := rp.System("HEARTBEAT", "", now, false); err != nil {
		log.Printf("heartbeat publish error: %v", err)
	}
}

// System publishes a lifecycle event with the current status snapshot.
func (rp *Reporter) System(event, reason string, at time.Time, retained bool) error {
	e := SystemEvent{
		Timestamp: at,
		Event:     event,
		Reason:    reason,
		Retained:  retained,
	}
	if rp.status != nil {
		e.RawPayload = rp.status(event, reason)
	}
	return rp.pub.PublishSystem(e)
}

func (rp *Reporter) publish(e Event) {
	if err := rp.pub.Publish(e); err != nil {
		// Don't crash on publish failure
		log.Printf("publish error: %v", err)
	}
}

func overridden(ds []schedule.Decision, id string) bool {
	for _, d := range ds {
		if d.OutputID == id {
			return d.Overridden
		}
	}
	return false
}

func stateName(s schedule.State) string {
	if s == "" {
		return "UNKNOWN"
	}
	return string(s)
}
