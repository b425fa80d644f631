// Package domain holds the pure core of the raid practice game: the session
// lifecycle state machine, learner and fact-mastery records, and the adaptive
// item selector. Everything here is deterministic given injected clocks, id
// generators, and random sources; transports and storage live elsewhere.
package domain
