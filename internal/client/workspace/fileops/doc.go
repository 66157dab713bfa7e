// Package fileops computes how file content operations change a local file
// manifest. The functions never touch storage: they mutate the manifest and
// describe which chunks must be written, read or forgotten, leaving the I/O
// to the caller.
package fileops
