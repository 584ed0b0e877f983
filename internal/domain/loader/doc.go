// Package loader places process images into their carved program segment.
//
// System apps are part of the firmware and only bind their Go main. Flash
// apps have their binary copied into process memory, their SDK generation
// checked against the layouts this firmware supports, and their entry
// symbol resolved through an EntryTable. Rocky apps are JavaScript, compiled
// with goja at load time and run by a VM on the process task.
//
// Resources checks a flash app's resource bank against the xxhash recorded
// in its manifest before the app may start.
package loader
