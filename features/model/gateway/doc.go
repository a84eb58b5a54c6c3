// Package gateway exposes a model.Client over a caller-supplied transport.
// The Server side wraps a provider client in composable unary and streaming
// middleware; the RemoteClient side reconstructs a model.Client from two RPC
// functions, so the executor never learns which side of the wire it is on.
package gateway
