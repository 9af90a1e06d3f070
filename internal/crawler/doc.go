// Package crawler defines the domain model shared by the listing crawl
// orchestrator: tasks and their lifecycle, history and usage records, the
// browser driver boundary, and the status events streamed while a crawl runs.
package crawler
