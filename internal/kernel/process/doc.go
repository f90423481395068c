// Package process starts kernel subprocesses and reports their lifetime as
// an event stream.
//
// A Supervisor writes the connection file, starts the kernel from its spec
// and forwards raw stdout and stderr chunks:
//
//	supervisor := process.NewSupervisor()
//	defer supervisor.Shutdown(5 * time.Second)
//
//	for ev := range supervisor.Spawn(ctx, spec, "/tmp/nb") {
//		switch ev.Kind {
//		case process.EventStdout, process.EventStderr:
//			fmt.Print(ev.Text)
//		case process.EventReady:
//			fmt.Println("pid", ev.Handle.PID(), "conn", ev.Handle.ConnectionFile)
//		case process.EventSpawnError, process.EventTerminated:
//			fmt.Println("done:", ev.Err)
//		}
//	}
//
// Every stream ends with exactly one terminal event. The connection file
// exists from just before the process starts until just after it exits.
package process
