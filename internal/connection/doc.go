// Package connection tracks live client connections.
//
// A Connection carries its owner, lifecycle state, bot subscriptions and a
// bounded outbound queue. It holds no reference to the underlying socket:
// the gateway frontend runs one writer per connection that drains Outbound
// and closes the socket with the code recorded by Close. Frames pushed to a
// connection whose queue is full close that connection rather than block
// the sender.
package connection
