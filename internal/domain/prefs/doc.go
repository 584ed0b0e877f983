// Package prefs persists the few settings the process core owns: the
// default watchface, the last started code bank and a stored panic code.
package prefs
