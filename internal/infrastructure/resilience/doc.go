/*
Package resilience provides a circuit breaker used to stop crash loops.

# Overview

The app manager keeps one breaker per watchface. Every forced kill of a
running watchface is a failure. Once a watchface trips its breaker the
manager stops relaunching it and falls back to the built-in watchface until
the open timeout passes; the next launch is then a half-open trial.

# Usage

	faces := resilience.NewGroup(resilience.Settings{
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	b := faces.Get(uuid)
	if err := b.Allow(); err != nil {
		// launch the built-in face instead
	}
	...
	b.Failure() // the face was killed without a graceful exit

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
