package message

// Channel names a logical kernel channel.
type Channel string

const (
	// Shell carries request/reply traffic such as kernel_info and execute.
	Shell Channel = "shell"
	// Control carries high priority requests such as shutdown and interrupt.
	Control Channel = "control"
	// IOPub is the broadcast channel for status and output.
	IOPub Channel = "iopub"
	// Stdin carries input requests from the kernel.
	Stdin Channel = "stdin"
	// Heartbeat is the echo channel used to check liveness.
	Heartbeat Channel = "hb"
)

// Channels lists the message-carrying channels in bind order. Heartbeat is
// excluded because it echoes raw bytes rather than messages.
var Channels = []Channel{Shell, Control, Stdin, IOPub}

// String returns the channel name.
func (c Channel) String() string {
	return string(c)
}
