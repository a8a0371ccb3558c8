// Package serial provides thread-safe, full-duplex access to a single serial
// port, with synchronous reads and writes and a cancellable background line
// listener.
//
// A Port holds two duplicated handles to the device. Writes are serialized on
// the write handle; reads, line reads and Listeners are serialized on a
// buffered reader over the read handle. Reads and writes never wait on each
// other. Settings changes are applied to both handles under both locks and
// report true only if both succeeded.
//
// Features:
//   - Raw termios driver on Linux (OpenTermios), go.bug.st/serial elsewhere (OpenNative)
//   - Line reads that strip "\n" and "\r\n" and keep partial lines across timeouts
//   - One-shot ListenerBuilder and a Listener with cooperative cancellation
//   - Per-call error classification into SerialError
//   - PTY-based tests for reliability
//
// Example usage:
//
//	port, err := serial.Open("/dev/ttyUSB0", 115200)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//	port.SetTimeout(2 * time.Second)
//
//	builder, _ := port.CreateListenerBuilder()
//	serial.AddCallback(builder, nil, func(_ any, line []byte) {
//	    fmt.Println("Received:", string(line))
//	})
//	listener, err := builder.Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	listener.Listen()
//	defer listener.Stop()
//
//	if kind := port.WriteString("C,START\r\n"); kind != serial.NoError {
//	    log.Println("Write failed:", kind)
//	}
//
// While the listener runs, Port.Read and Port.ReadLine block until it stops.
// Stop takes effect once the line read in progress returns, which is bounded
// by the port's timeout.
package serial
