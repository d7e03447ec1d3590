// Package sshaudit records security-relevant file-transfer and connection
// events to the database and the structured log.
//
// # Event Types
//
//   - [EventFileOperation]: list, stat, mkdir or delete through a file backend.
//   - [EventTransferStarted], [EventTransferCompleted], [EventTransferCancelled]:
//     upload and download lifecycle.
//   - [EventPolicyBlock]: a request rejected by the transfer ownership gate.
//   - [EventConnectionEstablished], [EventConnectionTerminated],
//     [EventConnectionFailed]: SSH connection state changes.
//
// [InitGlobal] creates the process-wide [Auditor]; the Log* helpers check for
// a nil global so they are safe to call before initialization (the events are
// dropped). [Auditor.PurgeOlderThan] enforces retention and is run on a cron
// schedule by [Auditor.StartPurge].
package sshaudit
