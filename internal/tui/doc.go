// Package tui provides the terminal interface for following a run.
//
// App renders the current DAG, node states, delegations and an activity
// log. It is fed either by polling a Source such as the state database or
// by messages sent from the process that owns the run:
//
//	app := tui.NewApp(tui.WithController(l))
//	program := tui.NewProgram(app)
//	go program.Run()
//
//	program.Send(tui.SnapshotMsg{State: st})
//	program.Send(tui.LogMsg{Timestamp: time.Now(), Source: "loop", Message: "plan admitted"})
//	program.Send(tui.DoneMsg{State: "completed"})
//
// With a Controller the operator can pause and resume the loop, stop it,
// and send messages that the planner sees on its next replan.
package tui
