// Package merge reconciles a local manifest with a newer remote version of
// the same entry.
//
// Merges are pure: they never suspend and never touch storage. Skipping
// intermediate remote versions is fine, only the latest one matters.
package merge
