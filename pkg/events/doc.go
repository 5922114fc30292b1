/*
Package events provides the in-process pub/sub broker for engine lifecycle
events.

The scheduler, queue workers, and schedule service publish workflow, node,
job, and schedule events; interested parties (CLI watch commands, test
harnesses, embedding applications) subscribe and receive them on buffered
channels. Delivery is best-effort and non-blocking: publishing never stalls
the engine, and a slow subscriber drops events once its buffer fills.
Events are observability, not state; nothing in the engine depends on an
event being delivered.
*/
package events
