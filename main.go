// etwpipe streams Windows event tracing sessions as decoded events.
//
// It starts real-time trace sessions for manifest providers or the NT
// Kernel Logger, resolves each event's schema, decodes the payload into
// named properties and writes the result as JSON lines or CSV. The decoded
// stream can also be recorded into a compressed capture file and replayed
// later on any platform.
//
// Usage:
//
//	# Trace the DNS client and print JSON lines
//	etwpipe trace --provider dns
//
//	# Trace a built-in profile for 30 seconds into a CSV file
//	etwpipe trace --profile process --duration 30s --format csv --output events.csv
//
//	# Record kernel process and image events
//	etwpipe kernel --categories process,image_load --record kernel.etwp
//
//	# Replay a capture at twice the recorded speed
//	etwpipe replay kernel.etwp --mode realtime --speed 2
//
//	# Run against the built-in synthetic scenario (any platform)
//	etwpipe trace --synthetic
package main

func main() {
	Execute()
}
