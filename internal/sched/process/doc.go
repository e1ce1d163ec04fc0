// Package process schedules a child image as a local executable. The child
// receives its label in WARDEN_LABEL; its stdout and stderr are forwarded
// line by line to a LOG session opened on its behalf.
package process
