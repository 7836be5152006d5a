/*
Package api implements the seedhost HTTP server.

The server is the only surface web clients talk to. It authenticates each
request with a bearer token, runs node operations through the orchestrator,
and streams node events and status changes back to the browser.

# Architecture

	┌──────────────────── WEB CLIENT ─────────────────────┐
	│  EventSource / WebSocket / fetch                     │
	└──────────────────────┬──────────────────────────────┘
	                       │ HTTP (Bearer token)
	┌──────────────────────▼──────── SEEDHOST ────────────┐
	│                                                      │
	│  ┌───────────── api.Server (chi) ─────────────┐     │
	│  │  /v1/node/*          → orchestrator        │     │
	│  │  /v1/events[/ws]     → stream.Multiplexer  │     │
	│  │  /v1/nodes/{id}/status → monitor + bus     │     │
	│  │  /health /ready /metrics                   │     │
	│  └────────────────────────────────────────────┘     │
	└──────────────────────────────────────────────────────┘

# Endpoints

Node operations answer with a Result:

	POST /v1/node/activate[?async=true]
	POST /v1/node/start
	POST /v1/node/stop
	GET  /v1/node

	{"success":false,"statusCode":404,"message":"no node for user u1"}

With async=true the activation runs on the background task group and the
request is answered with 202 straight away.

Streams:

	GET /v1/events?type=refsFetched&type=seedDiscovered
	GET /v1/events/ws
	GET /v1/nodes/{nodeID}/status

Event streams use server-sent events framed as

	event: <type>
	data: <json>

A stream whose node event feed is still starting is refused with 409 and a
Retry-After header; clients retry. When the feed ends the SSE stream sends a
final "closed" event and the websocket is closed with "going away".

Status streams send an event named "status" whenever the node's running
flag, peer count or booting flag changes.
*/
package api
