// Package automation reacts to record mutations with playbook-driven
// actions.
//
// The mutation pipeline publishes an Event after every committed write. The
// Dispatcher queues events on a bounded buffer and a worker pool matches
// them against YAML playbooks; matched actions run with exponential-backoff
// retry. Enqueue never blocks the request path: a full queue drops the
// event, logs it, and bumps a counter.
//
// Playbooks live in a directory and hot-reload on file changes.
package automation
