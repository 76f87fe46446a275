// Package registry tracks worker processes and their bound ports, reaping
// dead workers by PID polling and capping tracked entries with FIFO
// eviction.
package registry
