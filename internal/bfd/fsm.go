package bfd

// The BFD reception/timer state machine (RFC 5880 §6.2, §6.8.6) is modeled
// here as a pure lookup over (state, event) pairs. Session owns the mutable
// State field and timers; this file only computes what should happen next,
// so the transition logic can be tested in isolation from goroutines, I/O,
// and timing.
//
// RFC 5880 §6.2 state diagram, for reference:
//
//	                      +--+
//	                      |  | Up, AdminDown, Timer
//	                      |  V
//	              Down  +------+  Init
//	       +------------|      |------------+
//	       |            | Down |            |
//	       |  +-------->|      |<--------+  |
//	       |  |         +------+         |  |
//	       V  |AdminDown,         AdminDown,|  V
//	     +------+       Timer           Down,Timer+------+
//	+----|      |                            |      |----+
//	Down | Init |--------------------------->|  Up  |  Init, Up
//	+--->|      | Init, Up                   |      |<---+
//	     +------+                            +------+

// Event is an input to the FSM: either a remote State observed in a
// received Control packet, a local timer firing, or a local admin action.
type Event uint8

const (
	EventRecvAdminDown Event = iota // peer reported State=AdminDown
	EventRecvDown                   // peer reported State=Down
	EventRecvInit                   // peer reported State=Init
	EventRecvUp                     // peer reported State=Up
	EventTimerExpired               // detection timer fired with no valid packet received
	EventAdminDown                  // local operator disabled the session
	EventAdminUp                    // local operator re-enabled the session
)

var eventNames = [...]string{
	EventRecvAdminDown: "RecvAdminDown",
	EventRecvDown:      "RecvDown",
	EventRecvInit:      "RecvInit",
	EventRecvUp:        "RecvUp",
	EventTimerExpired:  "TimerExpired",
	EventAdminDown:     "AdminDown",
	EventAdminUp:       "AdminUp",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Unknown"
}

// Action is a side effect the caller (Session.applyEvent) must carry out
// after a transition. The FSM only reports which actions apply; it never
// performs I/O or mutates session state itself.
type Action uint8

const (
	ActionSendControl         Action = iota + 1 // transmit a Control packet immediately (§6.8.7)
	ActionNotifyUp                              // tell subscribers the session reached Up
	ActionNotifyDown                             // tell subscribers the session left Up/Init
	ActionSetDiagTimeExpired                     // LocalDiag = DiagControlTimeExpired (§6.8.4)
	ActionSetDiagNeighborDown                    // LocalDiag = DiagNeighborDown (§6.8.6)
	ActionSetDiagAdminDown                       // LocalDiag = DiagAdminDown (§6.8.16)
)

var actionNames = [...]string{
	ActionSendControl:         "SendControl",
	ActionNotifyUp:            "NotifyUp",
	ActionNotifyDown:          "NotifyDown",
	ActionSetDiagTimeExpired:  "SetDiagTimeExpired",
	ActionSetDiagNeighborDown: "SetDiagNeighborDown",
	ActionSetDiagAdminDown:    "SetDiagAdminDown",
}

func (a Action) String() string {
	if int(a) < len(actionNames) && actionNames[a] != "" {
		return actionNames[a]
	}
	return "Unknown"
}

// transitionKey is a lookup key into the FSM table.
type transitionKey struct {
	from  State
	event Event
}

// transitionResult is what a (state, event) pair produces.
type transitionResult struct {
	to      State
	actions []Action
}

// transitionRow is one row of the table literal below, kept as a slice
// rather than a map literal so the RFC section each row implements can sit
// next to it as a plain comment without fighting map-key formatting.
type transitionRow struct {
	from    State
	event   Event
	to      State
	actions []Action
}

// fsmRows enumerates every defined (state, event) transition. A
// (state, event) pair absent from this table means the event has no effect
// in that state — e.g. AdminDown discards every received-packet event per
// §6.8.6 ("If bfd.SessionState is AdminDown, discard the packet"), and
// Down ignores a received Up or a timer expiry since neither appears in
// the §6.8.6 pseudocode for local state Down.
var fsmRows = []transitionRow{
	// AdminDown: only a local re-enable moves the session (§6.8.16).
	{StateAdminDown, EventAdminUp, StateDown, nil},

	// Down (§6.8.6): "if received State is Down" -> Init;
	// "else if received State is Init" -> Up.
	{StateDown, EventRecvDown, StateInit, []Action{ActionSendControl}},
	{StateDown, EventRecvInit, StateUp, []Action{ActionSendControl, ActionNotifyUp}},
	{StateDown, EventAdminDown, StateAdminDown, []Action{ActionSetDiagAdminDown}},

	// Init (§6.8.6): AdminDown from the peer drops to Down with
	// DiagNeighborDown; Init or Up from the peer completes the
	// three-way handshake. A received Down is a self-loop per the
	// §6.2 diagram and is listed here for completeness even though it
	// changes nothing.
	{StateInit, EventRecvAdminDown, StateDown, []Action{ActionSetDiagNeighborDown, ActionNotifyDown}},
	{StateInit, EventRecvDown, StateInit, nil},
	{StateInit, EventRecvInit, StateUp, []Action{ActionSendControl, ActionNotifyUp}},
	{StateInit, EventRecvUp, StateUp, []Action{ActionSendControl, ActionNotifyUp}},
	{StateInit, EventTimerExpired, StateDown, []Action{ActionSetDiagTimeExpired, ActionNotifyDown}},
	{StateInit, EventAdminDown, StateAdminDown, []Action{ActionSetDiagAdminDown}},

	// Up (§6.8.6): AdminDown or Down from the peer tears the session
	// down; Init from the peer is a no-op self-loop (§6.2 diagram's
	// "Init, Up" arc on the Up state) — the peer briefly reporting Init
	// during its own renegotiation does not flap the local session.
	{StateUp, EventRecvAdminDown, StateDown, []Action{ActionSetDiagNeighborDown, ActionNotifyDown}},
	{StateUp, EventRecvDown, StateDown, []Action{ActionSetDiagNeighborDown, ActionNotifyDown}},
	{StateUp, EventRecvInit, StateUp, nil},
	{StateUp, EventRecvUp, StateUp, nil},
	{StateUp, EventTimerExpired, StateDown, []Action{ActionSetDiagTimeExpired, ActionNotifyDown}},
	{StateUp, EventAdminDown, StateAdminDown, []Action{ActionSetDiagAdminDown}},
}

// fsmTable indexes fsmRows for O(1) lookup by ApplyEvent. Built once at
// package init from fsmRows rather than written as a map literal, so the
// authoritative transition list (fsmRows, with its RFC commentary) and the
// lookup structure used at runtime stay in sync by construction.
var fsmTable = buildTransitionTable(fsmRows)

func buildTransitionTable(rows []transitionRow) map[transitionKey]transitionResult {
	table := make(map[transitionKey]transitionResult, len(rows))
	for _, r := range rows {
		table[transitionKey{from: r.from, event: r.event}] = transitionResult{to: r.to, actions: r.actions}
	}
	return table
}

// FSMResult is the outcome of ApplyEvent: the state before and after, the
// actions the caller must perform, and whether the state actually moved
// (Up+RecvUp and similar self-loops report Changed=false).
type FSMResult struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// ApplyEvent looks up how event affects a session currently in state. It
// has no side effects: Session.applyEvent is responsible for executing the
// returned Actions, and for committing NewState. An event with no row in
// fsmTable leaves the state unchanged and returns no actions.
func ApplyEvent(state State, event Event) FSMResult {
	result, ok := fsmTable[transitionKey{from: state, event: event}]
	if !ok {
		return FSMResult{OldState: state, NewState: state}
	}

	return FSMResult{
		OldState: state,
		NewState: result.to,
		Actions:  result.actions,
		Changed:  state != result.to,
	}
}

// RecvStateToEvent maps the State field of an inbound Control packet to the
// FSM event it triggers, so Session.processPacket doesn't need its own
// switch over bfd.State.
func RecvStateToEvent(remote State) Event {
	switch remote {
	case StateAdminDown:
		return EventRecvAdminDown
	case StateDown:
		return EventRecvDown
	case StateInit:
		return EventRecvInit
	case StateUp:
		return EventRecvUp
	default:
		// RFC 5880 §4.1 defines only four State values; an out-of-range
		// value (which UnmarshalControlPacket should never produce) is
		// treated as Down, the safest assumption.
		return EventRecvDown
	}
}
