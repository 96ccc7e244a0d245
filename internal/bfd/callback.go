package bfd

// StateCallback is a function invoked when a BFD session changes state.
//
// External systems register callbacks to react to BFD session events such
// as Up->Down transitions that should trigger a dependent action (route
// withdrawal, interface fault marking, alerting).
//
// Callbacks are invoked synchronously by the consumer goroutine. Long-running
// operations should be dispatched asynchronously to avoid blocking the
// notification pipeline.
//
// Usage with Manager.StateChanges():
//
//	go func() {
//	    for change := range mgr.StateChanges() {
//	        for _, cb := range callbacks {
//	            cb(change)
//	        }
//	    }
//	}()
//
// The Manager exposes state change notifications via the StateChanges()
// channel; external consumers read from it and invoke registered callbacks.
// This decoupled design avoids coupling the bfd package to any particular
// consumer.
//
// For BFD flap dampening (RFC 5882 Section 3.2), the callback consumer
// should implement exponential backoff before propagating rapid Down->Up->Down
// oscillations to dependent systems.
type StateCallback func(change StateChange)
