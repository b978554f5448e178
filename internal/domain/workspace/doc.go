// Package workspace stores uploaded bot code in each server's work directory.
//
// Upload names are checked against a glob allow-list and joined to the work
// directory with symlink-safe resolution. Files are staged first and moved
// into place only when the whole upload is accepted.
package workspace
