// Package fetch coordinates upstream downloads so that each missing chunk of a
// file is fetched by at most one task at a time. Requests that need chunks
// already being downloaded attach to the running task and are notified per
// chunk as soon as it is persisted.
package fetch
