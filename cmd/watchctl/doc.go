// Package main is watchctl, a command line client for the watchd control API.
//
// Usage:
//
//	watchctl [-addr http://localhost:8040] <command> [args]
//
// Commands:
//
//	status                        show the app and worker slots
//	apps [-watchfaces] [-workers] [-hidden]
//	app <id>                      show one install
//	launch [-reason r] [-args s] [-force] <id>
//	worker <id>                   launch a background worker
//	close [-force] [-worker]      close the app or worker slot
//	force-quit                    return to the system start app
//	button <back|up|select|down> [press|hold|release]
//	runlevel <0|1|2>
//	power [-low-power b] [-battery-critical b]
//	crashes [-limit n]
//	crash <id>
//
// System installs have negative ids; pass them after -- to launch, as in
// "watchctl launch -- -1". WATCHD_ADDR sets the default address.
package main
