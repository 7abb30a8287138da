// Package buffer owns the camera frame-buffer lifecycle.
//
// Frames are identified by opaque Handles. A platform supplies a Manager
// (the capability set: open, close, compress, release, delete, thread
// registration); Pool wraps it and enforces the lifecycle so the rest of
// the engine never touches a released or deleted buffer and never sees a
// panic escape from platform code.
//
// Lifecycle of a handle inside the pool:
//
//	NewBuffer/Adopt -> live -> (View, Compress)* -> ReleaseToCamera -> released
//	                                             \-> Delete -> deleted (terminal)
//
// A released handle becomes live again when the camera pushes it back
// (Adopt). Frame geometry is fixed for the pool's lifetime.
package buffer
