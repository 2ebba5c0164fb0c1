// Package dispatch turns inbound command text into serialized host calls.
//
// Submit is the only entry point transports use. It never blocks on the host
// and never returns an error: every failure becomes an outbound message.
//
// Per command:
//   - The trimmed text is written to the host's log sink ("[Input] status").
//   - The gate evaluates it. A rejection is pushed to the outbox as-is and
//     the host is never called.
//   - Allowed text reserves the next FIFO slot in the single-flight call
//     scheduler before Submit returns, so concurrent submitters reach the
//     host in the order they called Submit.
//   - A host error (or panic) is pushed to the outbox as its string form.
//   - The outcome is reported to the optional Recorder (audit journal).
//
// Commands queued when the scheduler stops are dropped and logged, not pushed.
package dispatch
