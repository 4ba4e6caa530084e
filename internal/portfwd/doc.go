// Package portfwd keeps a locally bound UDP endpoint reachable through
// the NAT gateway by maintaining one automatic port mapping.
//
// Ownership boundary:
// - mapping lifecycle state machine (Init/Tick/Shutdown)
// - renewal scheduling from engine wait hints
// - exactly-once success/failure reporting to the operator log
//
// The control protocol itself lives behind the engine contract; address
// resolution and report formatting are thin helpers in this package.
package portfwd
