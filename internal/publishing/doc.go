// Package publishing holds the domain model shared by every component of the
// autopublisher: profiles, runs, log entries, collaborator contracts,
// repository interfaces, and the error taxonomy used to classify failures.
package publishing
