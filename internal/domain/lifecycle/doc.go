/*
Package lifecycle drives hosted bots between offline and online.

# Commands

Start, Stop and Restart for one server are serialized behind a per-server
lock and run to completion even if the caller goes away. Status is a plain
read and never waits on a command in flight.

# Epochs

Every sandbox instance is tagged with the server's epoch at the time it was
started. The exit watcher and the output attachment carry that epoch, and an
exit notification is only applied while the exited sandbox is still the
server's current one under the same epoch. A sandbox that was stopped,
replaced or resumed under a newer epoch can therefore never knock a fresh
instance offline.

# Stop

Stop gives the bot its grace period, then force-removes the sandbox whatever
happened. The server always ends up offline; the quality of the cleanup is
returned as a Cleanup outcome and reported to metrics and events.
*/
package lifecycle
