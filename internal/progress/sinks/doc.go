// Package sinks implements progress consumers: a structured log stream and a
// broker-backed event feed.
package sinks
