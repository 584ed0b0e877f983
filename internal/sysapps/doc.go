// Package sysapps holds the firmware-resident apps and the demo entry points
// flash manifests can name.
//
// System apps:
//   - Launcher (-1): the app menu and system default app
//   - TicToc (-2): built-in watchface, used when no valid default is set
//   - Low Power (-3): watchface shown at boot in low power mode
//   - Battery Critical (-4): shown at boot when the battery is critical
//   - Panic (-5): shows a stored panic code, cleared on any button
//
// Flash entries: hello_main, faulty_main (crashes on select), stubborn_main
// (ignores deinit), steps_worker_main (background worker).
package sysapps
