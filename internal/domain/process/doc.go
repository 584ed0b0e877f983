/*
Package process implements the lifecycle primitives shared by every process
slot: starting a task with its carved memory, negotiating whether it is safe
to kill, and tearing it down.

# Ownership

All slot state lives in a Context that only kernel main may mutate. Entry
points assert this with AssertExecutor instead of taking a lock:

	ctx := process.WithExecutor(context.Background(), process.TaskKernelMain)
	mgr.Spawn(ctx, slot, req)

Timers never touch a Context. When one fires it posts an event carrying the
task id it was armed for; kernel main drops events for tasks that have since
been replaced.

# Closing

	Running --graceful--> GracefullyClosing --timeout--> kill(forced)
	   |                        |
	   +------forced------------+--> ForceClosing --suspended--> safe
	                                      |
	                                      +--trap on privilege drop--> safe
	                                      +--timeout--> halt

MakeSafeToKill returns false whenever the process is not yet safe. Callers
abandon the current switch and retry on the next kill, exit or trap event.

# Tasks

SimTask runs a process main on a goroutine. Privileged sections go through
Runtime.Syscall, which tracks nesting so a forced close can tell whether the
task may be frozen now or must be trapped on its way out.
*/
package process
