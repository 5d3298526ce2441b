// Package scout implements a controller that balances stateful message-bus
// agents between a central node and a set of remote outposts.
//
// Scout observes per-agent CPU demand and per-outpost capacity, and moves
// agents between nodes to keep load even while preserving each agent's
// in-memory state and in-flight messages across the move. The package ties
// together four collaborators:
//
//   - zonebook: durable record of which outpost hosts which agent
//   - agentbook: durable staging area for state blobs and deferred messages
//   - config: the outpost list and scout config ini files
//   - balancer: pure placement algorithms over a load snapshot
//
// and drives them through the migration choreography in package migration,
// under the direction of a Controller.
//
// # Quick Start
//
// See cmd/scoutd for the reference wiring: open a zonebook, an agentbook
// and a config store, build a transport.Adapter and a bus.Publisher, and
// assemble them into a controller.Context. serve.Server then runs the
// bus ingress HTTP endpoint and the controller's periodic loops until an
// os.Interrupt or SIGTERM arrives.
//
// # Migration
//
// Moving an agent is a seven-step choreography (see package migration):
// notify, quiesce, detach, transport, attach, commit, and re-attach. Every
// step runs under the global migration lock so two migrations can never
// interleave.
//
// # Thread Safety
//
// All exported types in this module are safe for concurrent use unless
// their documentation says otherwise.
package scout
