// Package memory holds typed object pools for buffers reused on hot
// paths.
package memory
