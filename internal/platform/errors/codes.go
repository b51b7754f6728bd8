// Package errors provides structured error handling for the gateway.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Upstream errors
	CodeUpstreamUnreachable Code = "UPSTREAM_UNREACHABLE"
	CodeUpstreamBadURL      Code = "UPSTREAM_BAD_URL"

	// Cache errors
	CodeCacheNotCached Code = "CACHE_NOT_CACHED"

	// Mutation queue errors
	CodeMutationNotQueueable Code = "MUTATION_NOT_QUEUEABLE"
	CodeMutationQueueFailed  Code = "MUTATION_QUEUE_FAILED"

	// Lifecycle errors
	CodeInstallIncomplete   Code = "INSTALL_INCOMPLETE"
	CodeActivateNotWaiting  Code = "ACTIVATE_NOT_WAITING"
	CodeLifecycleBadVersion Code = "LIFECYCLE_BAD_VERSION"
)
