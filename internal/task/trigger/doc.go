// Package trigger holds the in-memory table of next fire times for recurring
// jobs. It owns recurrence evaluation; the scheduler loop only reads due
// entries and advances them.
package trigger
