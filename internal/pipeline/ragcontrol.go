package pipeline

// Action is what the pipeline does with a message.
type Action string

const (
	// ActionRespond produces a reply and delivers it to the user.
	ActionRespond Action = "respond"
	// ActionSuggest produces a reply for the operator only.
	ActionSuggest Action = "suggest"
	// ActionRecord only persists the message for the human owner.
	ActionRecord Action = "record"
)

// Decision is the RAG controller output.
type Decision struct {
	Action      Action
	Retrieve    bool
	UseModel    bool // false means reply from templates
	Deliver     bool
	NeedsHuman  bool // the message must be flagged requires_human
	Description string
}

// Decide maps the conversation's (human_handling, rag_enabled) flags to a
// Decision. It is the only place those flags drive pipeline policy.
func Decide(humanHandling, ragEnabled bool) Decision {
	switch {
	case !humanHandling && ragEnabled:
		return Decision{Action: ActionRespond, Retrieve: true, UseModel: true, Deliver: true,
			Description: "retrieve, generate, deliver"}
	case !humanHandling && !ragEnabled:
		return Decision{Action: ActionRespond, Deliver: true,
			Description: "static template, deliver"}
	case humanHandling && ragEnabled:
		return Decision{Action: ActionSuggest, Retrieve: true, UseModel: true,
			Description: "retrieve, generate suggestion for operator"}
	default:
		return Decision{Action: ActionRecord, NeedsHuman: true,
			Description: "record only, human owns the reply"}
	}
}
