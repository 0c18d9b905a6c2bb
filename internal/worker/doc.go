// Package worker implements the fixed worker pool behind the stream and job
// paths. Workers talk to the pool only through messages: the pool posts work
// without waiting and correlates the asynchronous replies back to callers by
// job id or session id.
package worker
