// Package ibv wraps the RDMA verbs interface with an ownership-aware
// resource model and a validated queue pair state machine.
//
// The native interface encodes no relationships between its handles yet
// enforces a strict destruction order. Every wrapper here therefore holds
// strong references to the objects it structurally depends on: a queue pair
// keeps its protection domain and completion queues alive, a memory region
// keeps its protection domain alive, and so on up to the device context.
// The native destroy call for a resource runs exactly once, when the last
// reference to it drops; child-before-parent order falls out of reference
// release, never out of explicit traversal.
//
// Close is explicit and idempotent. After Close, further use of a wrapper
// yields ErrInvalidHandle instead of undefined behavior. The Unsafe* escape
// hatches bypass reference accounting and are the only way to reach driver
// errors such as ErrResourceBusy.
package ibv
