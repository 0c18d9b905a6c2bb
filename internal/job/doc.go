// Package job defines the unit of work handed to workers, its outcome, and
// the short-lived status records kept for file-based submissions.
package job
