/*
Package stream multiplexes node event subprocesses.

Every user owns at most one event feed subprocess. The first Subscribe for a
user spawns it; later subscribers share its output. Each stdout line is parsed
as a JSON object and fanned out to the subscribers whose filter accepts it.
When the last subscriber leaves, the subprocess is sent the stop signal. When
the subprocess exits, every subscription channel is closed.

A Subscribe that arrives while the subprocess is still being spawned fails
with ErrSpawnInProgress instead of waiting. One that arrives after the stop
signal but before the subprocess has exited fails with ErrStopInProgress, so
a user never has two subprocesses at once.
*/
package stream
