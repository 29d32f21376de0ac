package cat

// Package cat coordinates compensating transactions across services.
//
// A business call runs as a Try phase that reserves resources; the
// coordinator then drives either the Confirm phase (make the
// reservation permanent) or the Cancel phase (release it) on every
// enlisted participant. Alongside the classic TCC split, the package
// supports a Notice pattern for reliable one-way delivery with retry,
// and a coordinator-compensation mode where the starter registers the
// confirm and cancel handlers on behalf of a plain participant call.
//
// Overview
//
// 1. Bind your handlers:
//    - Register confirm, cancel and notice functions in the
//      Coordinator's InvocationRegistry under a stable class#method key.
// 2. Pick a repository:
//    - Use NewMemoryRepository for tests, NewFileRepository for a
//      single node, or OpenMySQLRepository for shared durable storage.
// 3. Build a Coordinator:
//    - Call New with the repository and functional options for the
//      application name, namespace, retry and recovery settings.
// 4. Execute calls:
//    - Wrap each guarded operation in a Call and run it through
//      Coordinator.Execute. Propagate the transaction context to remote
//      participants with Transmit and Acquire.
//
// Transactions that die mid-flight are re-driven by a background
// recovery sweep, gated by optimistic version checks so exactly one
// node wins each retry.
//
// For a runnable walk-through, see examples/order.
