/*
Package logstream fans sandbox output out to live observers.

Each server has at most one output attachment at a time, tagged with the
epoch of the sandbox that produced it. A newer attachment supersedes the old
one. Records are delivered in emission order to every observer subscribed at
the time of emission; there is no replay for late subscribers and a slow
observer is skipped rather than waited on.
*/
package logstream
