// Package launch orchestrates a kernel launch from spawn to termination.
//
// A launch moves through Idle, Spawning, ChannelsBinding and Ready, and
// ends in Terminated or Failed. Its progress is reported as a stream of
// Events:
//
//	events, err := orch.Launch(ctx, launch.Request{Spec: &spec, Cwd: dir})
//	if err != nil {
//		return err // spec missing or invalid
//	}
//	var state launch.RuntimeState
//	for ev := range events {
//		state.Apply(ev)
//	}
//
// Once the channel set is bound the stream carries kernel-launch-succeeded,
// after which the status projector and the kernel_info handshake attach to
// the kernel's channels. The process supervisor's termination closes the
// channel set, which ends both. Every stream ends with exactly one
// kernel-launch-failed or kernel-terminated.
package launch
