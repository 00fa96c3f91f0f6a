package mcpcontrol

// allowedTransitions enumerates legal ConnectionState moves, the same
// table-driven shape as runmanager.allowedTransitions.
var allowedTransitions = map[ConnectionState]map[ConnectionState]struct{}{
	StateDisconnected: {
		StateConnecting: {},
	},
	StateConnecting: {
		StateConnected:    {},
		StateError:        {},
		StateDisconnected: {},
	},
	StateConnected: {
		StateClosing:      {},
		StateError:        {},
		StateReconnecting: {},
	},
	StateError: {
		StateReconnecting: {},
		StateDisconnected: {},
	},
	StateReconnecting: {
		StateConnected:    {},
		StateError:        {},
		StateDisconnected: {},
	},
	StateClosing: {
		StateDisconnected: {},
	},
}

// CanTransition reports whether moving a connection from one state to
// another is legal.
func CanTransition(from, to ConnectionState) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
