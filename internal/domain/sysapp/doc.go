// Package sysapp decides which system app opens next.
//
// The machine tracks one bit: whether the app stack is rooted in the
// watchface or in the launcher.
//
//	launch launcher   -> rooted in launcher
//	launch watchface  -> rooted in watchface
//	launch other app  -> unchanged
//
// LastRegisteredApp returns the default watchface when an app launched on
// top of a watchface closes, or when the launcher itself closes. Otherwise
// it returns the launcher.
package sysapp
