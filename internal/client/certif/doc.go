// Package certif keeps the device view of the organization certificates:
// device verify keys, realm roles and realm key rotations. It encrypts and
// decrypts realm data with the right key index and bootstraps workspaces
// on the server.
//
// A keys bundle holds every key of a realm up to its index, sealed with a
// key derived from the user key, so any key index can be served from the
// latest bundle.
package certif
