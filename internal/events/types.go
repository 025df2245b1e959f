package events

// Event enumerates high-level topics inside the pipeline.
type Event string

const (
	EventMarketReceived    Event = "market.received"
	EventIntentSubmitted   Event = "intent.submitted"
	EventIntentHeld        Event = "intent.held"
	EventExecutionAccepted Event = "execution.accepted"
	EventExecutionRejected Event = "execution.rejected"
	EventHistoryRecorded   Event = "history.recorded"
	EventItemFailed        Event = "batch.item_failed"
)

// Channel maps a real-time channel name (e.g. "operations") onto a bus topic.
func Channel(name string) Event {
	return Event("channel." + name)
}

// ItemFailure is published for every batch item reported as failed.
type ItemFailure struct {
	Stage  string `json:"stage"`
	ItemID string `json:"itemId"`
	Error  string `json:"error"`
}

// Rejection is published when the broker refuses an intent.
type Rejection struct {
	UserID string `json:"userId"`
	Symbol string `json:"activeSymbol"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}
