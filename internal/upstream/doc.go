// Package upstream talks to the origin hub: it resolves (repo, revision, path)
// into an authoritative FileDescriptor and fetches byte ranges of file content.
// Requests that fail transiently are retried under a bounded exponential policy.
package upstream
