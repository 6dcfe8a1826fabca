// Package delivery drives outcome wrappers to a terminal status.
//
// A Deliverer owns a FIFO queue of wrappers and a pool of workers that send
// each wrapper's envelope to its target node. A failed attempt increments
// the retry count and schedules the next attempt with exponential backoff;
// once the retry count reaches the configured maximum the wrapper is marked
// OVER on the next pass of the retry job. A wrapper becomes DONE when the
// target answers, synchronously or through an async result report.
//
// Wrapper state lives in the store, so a restarted node resumes where it
// stopped: the retry job picks up every INIT and FAILED wrapper that is due.
package delivery
