// Package beacon sends fire-and-forget HTTP POST notifications that survive
// the exit of the sending process.
//
// Send validates and serializes the body, enforces the 64 KiB cap and hands
// the beacon to a detached worker process over a pipe, returning at once.
// The worker posts beacons one at a time in the order they were accepted and
// exits on its own when nothing is left to send. Delivery failures are never
// reported back to the caller.
//
// Programs that rely on the default worker must call ServeIfWorker at the top
// of main, since the worker is the same binary started in worker mode:
//
//	func main() {
//		beacon.ServeIfWorker()
//		beacon.SendBeacon("https://collector.example/v1/events", beacon.Text("ping"))
//	}
//
// Set BEACON_WORKER_PATH to run a standalone harbor-beacon-worker instead.
package beacon
