// Package wshub runs WebSocket connections on top of package websocket:
// accepting and upgrading sockets, the per-connection state machine,
// heartbeat liveness checks, rooms and broadcast.
//
// # Manager
//
// A Manager owns every connection. Handlers are bound to URL paths and the
// Manager is mounted as an http.Handler:
//
//	m, err := wshub.New(wshub.DefaultConfig(), wshub.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	m.RegisterPath("/ws", wshub.Handler{
//	    OnOpen: func(c *wshub.Conn) {
//	        c.Join("lobby")
//	    },
//	    OnMessage: func(c *wshub.Conn, op websocket.Opcode, data []byte) {
//	        m.BroadcastTo("lobby", op, data, c.ID())
//	    },
//	    OnClose: func(c *wshub.Conn, code int, reason string) {
//	        logger.Info("closed", zap.Int("code", code))
//	    },
//	})
//
//	go m.Run(ctx)
//	http.Handle("/ws", m)
//
// Sockets accepted outside net/http can be handed over with Accept together
// with the parsed upgrade request.
//
// # Connections
//
// Each connection runs one read goroutine and one write goroutine. Send
// and broadcasts only queue encoded frames; the writer drains the queue in
// order. A full queue makes Send return ErrSendQueueFull instead of
// blocking. Protocol violations close the connection with the matching
// close code:
//
//	1002  malformed frame, bad opcode sequence, unmasked or oversized frame
//	1007  text message that is not valid UTF-8
//	1008  inbound rate limit exceeded
//	1001  heartbeat timeout or shutdown
//	1011  handler panic
//
// # Configuration
//
// Config can be built in code or loaded from YAML:
//
//	path: /ws
//	heartbeat_interval: 30s
//	missed_pongs: 2
//	max_connections: 10000
//	max_payload_bytes: 4194304
//	rate_limit:
//	  messages_per_second: 50
//	  burst: 100
package wshub
