/*
Package orchestrator keeps a user's seed node infrastructure in the state
their subscription asks for.

A node is a durable record plus two containers, the node process and its
HTTP gateway, named after the node alias. EnsureActive provisions a node on
first activation and starts it afterwards. If the record exists but the
runtime has lost its containers, the old record is soft-deleted, leftover
containers are removed and a replacement node is provisioned.

Provisioning for a user is guarded by an in-flight marker. A concurrent
caller waits for the marker and then starts the node the first caller
created instead of provisioning a duplicate.

Failures are returned as *Error with an HTTP-style code: 404 when the node
or a container is missing, 409 when a concurrent operation is in the way and
500 when an external tool or the runtime fails. Nothing is retried here.
*/
package orchestrator
