// Package serialkit packetizes byte streams and correlates request/response
// exchanges on top of any byte-oriented transport, typically a serial port.
//
// Serial devices deliver bytes as they arrive, often one or two at a time,
// and leave buffering, packet boundary detection and response matching to
// the application. serialkit takes that over: register PacketDescriptors and
// receive complete packets through a callback, or enqueue Requests and let
// the engine match, time out and retry them.
//
// Features:
//   - Packet extraction by fixed prefix/suffix, regular expression, or a
//     custom evaluator; several descriptors active at once
//   - Per-descriptor buffering with a drop-oldest size cap
//   - Strict FIFO request queue, one request in flight, per-request timeout
//     and retry budget, cooperative cancellation
//   - Transport-agnostic core; a Linux serial port transport lives in the
//     port subpackage
//   - Structured logging via logrus, quiet (warn-level) by default
//
// Example usage:
//
//	p, err := port.Open(port.Config{Device: "/dev/ttyUSB0", BaudRate: 115200})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	ok, _ := serialkit.NewPacketDescriptorString("$", "\r\n", "nmea")
//	session := serialkit.NewSession(p, serialkit.Config{
//	    OnPacket: func(d *serialkit.PacketDescriptor, packet []byte) {
//	        fmt.Printf("%v packet: %q\n", d.UserInfo(), packet)
//	    },
//	    OnRequestCompleted: func(req *serialkit.Request, outcome serialkit.Outcome) {
//	        fmt.Printf("request %s: %s\n", req.UUID(), outcome.Kind)
//	    },
//	})
//	session.RegisterPacketDescriptor(ok)
//
//	go p.ReadChunksLoop(session.Receive, func(err error) { log.Println(err) })
//
//	status, _ := serialkit.NewRequest([]byte("STATUS\r\n"), nil, nil)
//	session.EnqueueRequest(status, 500*time.Millisecond, 2)
//
// Packet boundaries are entirely a function of the registered descriptors;
// no wire format is imposed.
package serialkit
