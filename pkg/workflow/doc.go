/*
Package workflow runs definition graphs as persistent, resumable instances.

A WorkflowDefinition is a versioned DAG of node specs. The Scheduler
advances each live instance in passes: under the instance's workflow lock
it materializes newly runnable nodes (all in-edge predecessors completed),
steps every live node one increment, and evaluates terminal state. Because
every step writes its outcome to the store before returning, a crashed
worker loses nothing; another process picks the instance up when its lock
expires.

Node execution is delegated to the queue: a simple node enqueues one job
per attempt and reaps the settled result on a later pass. Parallel and
loop nodes fan out child node instances in a single transaction and join
them per their policy. The Adapter is the embedding surface: start, stop,
cancel, resume, status, stats, and batch recovery, with definitions read
through a cache.
*/
package workflow
