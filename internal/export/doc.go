// Package export adapts blob stores and publishers into record sinks that the
// result store feeds after every flush.
package export
