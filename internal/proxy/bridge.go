package proxy

import (
	"errors"
	"io"
	"net"
	"syscall"
)

type copyResult struct {
	n   int64
	err error
}

// bridge copies bytes bidirectionally between the client and backend
// connections. The reader arguments may differ from the connections when
// buffered data was already consumed (the hijacked side's bufio reader).
// It returns when either direction finishes; both connections are closed
// before returning so the surviving goroutine unblocks.
func bridge(client net.Conn, clientR io.Reader, backend net.Conn, backendR io.Reader) error {
	done := make(chan copyResult, 2)

	go func() {
		n, err := io.Copy(backend, clientR)
		done <- copyResult{n, err}
	}()
	go func() {
		n, err := io.Copy(client, backendR)
		done <- copyResult{n, err}
	}()

	first := <-done
	_ = client.Close()
	_ = backend.Close()
	<-done

	if first.err != nil && !isExpectedClose(first.err) {
		return first.err
	}
	return nil
}

// isExpectedClose filters the errors a torn-down tunnel produces in
// normal operation. Full-close bridging surfaces ECONNRESET and EPIPE on
// the surviving side instead of EOF.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
