// Package job defines the persisted job definition, the ephemeral invocation
// record, and the error taxonomy shared by the scheduler, executor and API.
package job
