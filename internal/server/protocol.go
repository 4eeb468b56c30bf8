package server

import (
	"bufio"
	"bytes"
	"net"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

var httpMethodPrefixes = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"), // OPTIONS
	[]byte("PATC"), // PATCH
	[]byte("DELE"), // DELETE
	[]byte("CONN"), // CONNECT
}

// detectProtocol peeks at the first bytes to determine protocol type.
// Raw clients open with a PEM public key, which never looks like an HTTP
// request line.
func detectProtocol(conn net.Conn, bufSize int) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReaderSize(conn, bufSize)

	peek, err := reader.Peek(4)
	if err != nil {
		return protocolTCP, reader, err
	}

	for _, prefix := range httpMethodPrefixes {
		if bytes.HasPrefix(peek, prefix) {
			return protocolHTTP, reader, nil
		}
	}
	return protocolTCP, reader, nil
}
