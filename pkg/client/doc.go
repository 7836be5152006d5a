/*
Package client consumes a seedhost event stream from another process.

A Pool keeps one transport connection per distinct event filter. Filters
are normalised first, so subscribers asking for the same set of types in any
order share a connection. A connection is only reused while it is open; when
its last subscriber leaves, or the transport fails, it is closed and the next
subscriber opens a fresh one.

	pool := client.NewPool(&client.WebsocketDialer{
		URL:   "ws://127.0.0.1:8080/v1/events/ws",
		Token: token,
	})
	unsubscribe, err := pool.Subscribe(ctx, func(e types.NodeEvent) {
		fmt.Println(e.Type)
	}, []string{"refsFetched"})
	defer unsubscribe()
*/
package client
