// Package snapshot persists engine checkpoints to a dedicated log.
//
// A checkpoint is the full canonical engine state plus the positions in
// the input and output logs it corresponds to. Restoring the newest
// checkpoint and replaying the input log from InputOffset yields the same
// state as replaying the whole input log from the beginning.
package snapshot
