// Package rpc carries the storage-server slot protocol over HTTP with JSON
// bodies. Client satisfies mutable.StorageServer; Handler serves a
// storage.Server.
package rpc

import (
	"errors"

	"github.com/tunnelmesh/sharegrid/internal/storage"
)

// ProtocolVersion is sent in the X-Sharegrid-Protocol header.
const ProtocolVersion = "v1"

const (
	protocolHeader = "X-Sharegrid-Protocol"
	readvPath      = "/v1/slots/{si}/readv"
	writevPath     = "/v1/slots/{si}/testv-and-readv-and-writev"
	nodePath       = "/v1/node"

	// maxRequestBody bounds one request: a full set of shares for a large file.
	maxRequestBody = 64 << 20
)

// ErrRateLimited is returned when the server rejects a request with 429.
var ErrRateLimited = errors.New("rate limited by storage server")

// RemoteError is a failure reported by the remote server.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

type readvRequest struct {
	Shnums []int                `json:"shnums"`
	Readv  []storage.ReadVector `json:"readv"`
}

type readvResponse struct {
	Data storage.ReadData `json:"data"`
}

type writevRequest struct {
	Secrets storage.Secrets                     `json:"secrets"`
	TW      map[int]storage.TestAndWriteVectors `json:"tw"`
	Readv   []storage.ReadVector                `json:"readv"`
}

type writevResponse struct {
	Applied bool             `json:"applied"`
	Data    storage.ReadData `json:"data"`
}

type nodeResponse struct {
	NodeID   string `json:"node_id"`
	Protocol string `json:"protocol"`
}

type errorResponse struct {
	Error string `json:"error"`
}
