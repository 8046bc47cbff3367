// Package events provides the event stream for load runs and cluster orchestration.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	// EventLoadStart is emitted when a load phase starts
	EventLoadStart EventType = "load_start"
	// EventLoadEnd is emitted when a load phase finishes
	EventLoadEnd EventType = "load_end"
	// EventRebalanceStart is emitted when a rebalance is requested
	EventRebalanceStart EventType = "rebalance_start"
	// EventRebalanceDone is emitted when a rebalance completes
	EventRebalanceDone EventType = "rebalance_done"
	// EventZoneShuffle is emitted when nodes are moved between server groups
	EventZoneShuffle EventType = "zone_shuffle"
	// EventCompaction is emitted when auto-compaction settings change
	EventCompaction EventType = "compaction"
	// EventFault is emitted when a fault (clog, failover, restart) is injected
	EventFault EventType = "fault"
	// EventFaultCleared is emitted when an injected fault is reverted
	EventFaultCleared EventType = "fault_cleared"
	// EventDrained is emitted when all persistence queues reach zero
	EventDrained EventType = "drained"
	// EventWarmedUp is emitted when every node finished warmup
	EventWarmedUp EventType = "warmed_up"
	// EventStatsOpen is emitted when a stats session opens
	EventStatsOpen EventType = "stats_open"
	// EventStatsClose is emitted when a stats session closes
	EventStatsClose EventType = "stats_close"
	// EventActionFailed is emitted when a background action fails
	EventActionFailed EventType = "action_failed"
	// EventScenarioStart is emitted when a scenario body begins
	EventScenarioStart EventType = "scenario_start"
	// EventScenarioEnd is emitted when a scenario finishes, with Error set on failure
	EventScenarioEnd EventType = "scenario_end"
)

// FaultType represents the kind of injected fault
type FaultType string

const (
	FaultClog     FaultType = "clog"
	FaultFailover FaultType = "failover"
	FaultRestart  FaultType = "restart"
)

// Event represents a load or orchestration event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target,omitempty"`
	Data      EventData `json:"data,omitzero"`
}

// EventData contains event-specific data
type EventData struct {
	Phase    string    `json:"phase,omitempty"`
	Fault    FaultType `json:"fault,omitempty"`
	Nodes    []string  `json:"nodes,omitempty"`
	Ops      uint64    `json:"ops,omitempty"`
	Duration string    `json:"duration,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// New creates an event stamped with the current time
func New(t EventType, target string, data EventData) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Target:    target,
		Data:      data,
	}
}

// NewLoadStartEvent creates an event for the start of a load phase
func NewLoadStartEvent(phase, hostPort string) Event {
	return New(EventLoadStart, hostPort, EventData{Phase: phase})
}

// NewLoadEndEvent creates an event for the end of a load phase
func NewLoadEndEvent(phase, hostPort string, ops uint64, elapsed time.Duration) Event {
	return New(EventLoadEnd, hostPort, EventData{
		Phase:    phase,
		Ops:      ops,
		Duration: elapsed.String(),
	})
}

// NewRebalanceEvent creates a rebalance start/done event
func NewRebalanceEvent(t EventType, known, ejected []string) Event {
	return New(t, "cluster", EventData{Nodes: append(append([]string{}, known...), ejected...)})
}

// NewFaultEvent creates a fault injection event
func NewFaultEvent(node string, fault FaultType) Event {
	return New(EventFault, node, EventData{Fault: fault})
}

// NewFaultClearedEvent creates an event for a reverted fault
func NewFaultClearedEvent(node string, fault FaultType) Event {
	return New(EventFaultCleared, node, EventData{Fault: fault})
}

// NewActionFailedEvent creates an event for a failed background action
func NewActionFailedEvent(action string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return New(EventActionFailed, action, EventData{Error: msg})
}

// NewScenarioEndEvent creates an event for a finished scenario
func NewScenarioEndEvent(reference string, elapsed time.Duration, err error) Event {
	data := EventData{Duration: elapsed.String()}
	if err != nil {
		data.Error = err.Error()
	}
	return New(EventScenarioEnd, reference, data)
}
