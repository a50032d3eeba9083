package mirror

// Logging convention in the `mirror` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation.
//     this includes:
//     - stream failures and resyncs that escalate
//     - abnormal exits
// Error:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key events tagged with the watch id so interleaved watches can be
//     filtered: state transitions, commits, resyncs
// V(2):
//     per-event trace

// tags to filter interleaved components in one log stream
const (
	logTagWatch  = "[w]"
	logTagStream = "[wr]"
)
