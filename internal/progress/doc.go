// Package progress fans task status events out to sinks without ever blocking
// the crawl that produced them. The Hub batches events on a background
// goroutine, forwards each batch to every Sink, and relays events live to
// per-task subscribers such as the HTTP event stream.
package progress
