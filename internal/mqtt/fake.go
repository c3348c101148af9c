package mqtt

// FakePublisher keeps every output and system event in memory, in publish
// order, together with the payload the broker would have received.
type FakePublisher struct {
	// Output events and their encoded payloads, index aligned.
	Events   []Event
	Payloads [][]byte

	// Lifecycle events (STARTUP, HEARTBEAT, SHUTDOWN) and their payloads.
	SystemEvents   []SystemEvent
	SystemPayloads [][]byte

	// PublishError and PublishSystemError simulate an unreachable broker.
	// A failed publish records nothing.
	PublishError       error
	PublishSystemError error

	Closed    bool
	Connected bool
}

// NewFakePublisher returns an empty, disconnected FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish implements Publisher.
func (f *FakePublisher) Publish(event Event) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem implements Publisher.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// IsConnected implements ConnectionStatus from the Connected field.
func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}

// EventsOfType returns the recorded events of type t, in order.
func (f *FakePublisher) EventsOfType(t EventType) []Event {
	return f.filter(func(e Event) bool { return e.Type == t })
}

// EventsFor returns the recorded events about one output, in order.
func (f *FakePublisher) EventsFor(outputID string) []Event {
	return f.filter(func(e Event) bool { return e.OutputID == outputID })
}

func (f *FakePublisher) filter(keep func(Event) bool) []Event {
	var out []Event
	for _, e := range f.Events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
