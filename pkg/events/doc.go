/*
Package events provides the in-memory status bus for seedhost.

The bus decouples status producers (the poll monitor) from consumers (HTTP
stream handlers, one per connected viewer). It is deliberately minimal:

  - Publish is synchronous and delivers in registration order.
  - There is no cap on listeners; hundreds of concurrent streams are normal.
  - There is no persistence or replay. A listener that subscribes after an
    event was published never sees it; stream handlers that need a starting
    point ask the monitor to poll immediately.
  - A panicking listener is logged and does not stop delivery to the rest.

# Usage

	bus := events.NewBus()

	unsubscribe := bus.SubscribeNode(node.ID, func(e types.StatusEvent) {
		out <- e
	})
	defer unsubscribe()

Listeners run on the publisher's goroutine, so they must not block. Stream
handlers hand events to a buffered channel and drop on overflow.
*/
package events
