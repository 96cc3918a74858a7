// Package worklets transplants decorated JavaScript functions
// ("worklets") together with their captured closures from one goja
// runtime into another runtime owned by a dedicated goroutine, and
// invokes them there with the call semantics of a normal local call.
package worklets
