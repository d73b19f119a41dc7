// Package broker routes pub/sub messages between attached peers.
//
// Providers announce namespaces with Provide and withdraw them with Revoke.
// Consumers register interest with Subscribe and Unsubscribe. An Event is
// delivered once to every other peer whose subscription contains its
// namespace. The broker never echoes a message back to its sender.
package broker
