package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	fiberCmds
	targetCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Listing fibers and their call stacks", fiberCmds},
	{"Inspecting threads and memory", targetCmds},
	{"Other commands", otherCmds},
}
