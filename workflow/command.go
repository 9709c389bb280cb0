package workflow

// CommandKind tags the routing decision a node returns.
type CommandKind int

const (
	// CommandContinue follows the node's static edge.
	CommandContinue CommandKind = iota
	// CommandGoto jumps to a named node (or End), bypassing static edges.
	CommandGoto
	// CommandReturn ends the run after applying the update.
	CommandReturn
)

func (k CommandKind) String() string {
	switch k {
	case CommandContinue:
		return "continue"
	case CommandGoto:
		return "goto"
	case CommandReturn:
		return "return"
	default:
		return "unknown"
	}
}

// Command is what every node invocation ends with. The zero value is Continue(nil).
type Command struct {
	Kind   CommandKind
	Target string
	Update StateUpdate
}

// Continue follows the static edge after applying update.
func Continue(update StateUpdate) Command {
	return Command{Kind: CommandContinue, Update: update}
}

// Goto jumps to node after applying update.
func Goto(node string, update StateUpdate) Command {
	return Command{Kind: CommandGoto, Target: node, Update: update}
}

// Return terminates the run after applying update.
func Return(update StateUpdate) Command {
	return Command{Kind: CommandReturn, Update: update}
}
