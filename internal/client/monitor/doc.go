// Package monitor runs the background sync of a workspace: Outbound uploads
// local changes once they settle, Inbound polls the server and merges
// remote changes.
//
// Both stop on their own when the device loses access to the workspace.
// Any other unexpected error stops the monitor and is reported on the event
// bus as a MonitorCrashed event.
package monitor
