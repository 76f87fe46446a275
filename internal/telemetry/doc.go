// Package telemetry implements the batch pusher and the typed records for
// the eight streams delivered to the backend collector. Delivery is
// at-most-once: a batch that fails to POST is logged and dropped, never
// buffered for retry.
package telemetry
