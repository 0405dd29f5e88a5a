package domain

// transitionKey pairs the current status with the attempted action.
type transitionKey struct {
	From   RequestStatus
	Action HistoryAction
}

// transitionTable is the single source of truth for legal status changes.
// Anything absent from the table is rejected; there are no side-channel
// status writes anywhere else in the engine.
var transitionTable = map[transitionKey]RequestStatus{
	{StatusPending, ActionApprove}:    StatusApproved,
	{StatusPending, ActionDisapprove}: StatusDisapproved,
	{StatusPending, ActionEdit}:       StatusEditing,
	{StatusPending, ActionCancel}:     StatusCancelled,
	{StatusPending, ActionExpire}:     StatusExpired,

	// Saving an edit returns the request to pending for re-review.
	{StatusEditing, ActionEdit}:   StatusPending,
	{StatusEditing, ActionCancel}: StatusCancelled,

	// Resubmission opens a fresh review cycle on the same request.
	{StatusDisapproved, ActionResubmit}: StatusPending,
	{StatusExpired, ActionResubmit}:     StatusPending,
}

// NextStatus resolves the target status for an action applied to a request
// in the given status. The second return is false when the transition is
// not legal.
func NextStatus(from RequestStatus, action HistoryAction) (RequestStatus, bool) {
	next, ok := transitionTable[transitionKey{From: from, Action: action}]
	return next, ok
}
