// Package websocket implements the wire level of the WebSocket protocol
// defined in RFC 6455: the frame codec and the server side of the opening
// handshake.
//
// The package does no I/O scheduling of its own. Connection lifecycle,
// heartbeats and rooms live in package wshub, which drives this codec.
//
// Decoding:
//
//	codec := &websocket.Codec{MaxPayloadBytes: 1 << 20}
//	for {
//	    frame, n, err := codec.Decode(buf)
//	    if errors.Is(err, websocket.ErrNeedMoreData) {
//	        break // read more bytes and retry
//	    }
//	    if err != nil {
//	        var pe *websocket.ProtocolError
//	        errors.As(err, &pe) // fail the connection with pe.Code
//	        return err
//	    }
//	    buf = buf[n:]
//	    handle(frame)
//	}
//
// Encoding:
//
//	data := websocket.EncodeFrame(websocket.TextMessage, []byte("hello"), true, false)
//
// Handshake:
//
//	n := &websocket.Negotiator{}
//	header, err := n.Negotiate(r)
//	if err != nil {
//	    var he *websocket.HandshakeError
//	    errors.As(err, &he)
//	    websocket.WriteRejection(conn, he)
//	    return
//	}
//	websocket.WriteResponse(conn, header)
//
// Server-originated frames are never masked. Frames received from clients
// must be masked; enforcing that is left to the caller because the codec is
// shared by both directions.
package websocket
