package events

const (
	// TopicSessionState carries StateChange values from the interactive session.
	TopicSessionState = "session.state"
	// TopicDeliveryReady carries DeliveryReady values after a background run queued output.
	TopicDeliveryReady = "delivery.ready"
	// TopicAgentFinished carries AgentFinished values from the orchestrator.
	TopicAgentFinished = "agent.finished"
)

// StateChange is published on TopicSessionState.
type StateChange struct {
	From string
	To   string
}

// DeliveryReady is published on TopicDeliveryReady.
type DeliveryReady struct {
	Origin string
	Count  int
}

// AgentFinished is published on TopicAgentFinished.
type AgentFinished struct {
	ID      string
	Kind    string
	Status  string
	Message string
}
