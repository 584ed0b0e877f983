// Package worker manages the background worker slot.
//
// Workers share the process core with apps but get a single fixed memory
// budget and their own arena. Launching a worker replaces the running one;
// closing leaves the slot empty. A crashed worker is recorded and not
// restarted.
package worker
