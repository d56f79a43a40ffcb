package server

//go:generate mockgen -source=peer.go -destination=peer_mock_test.go -package=server

// Peer is the transport handle held by a participant. Send never blocks: it
// queues the frame or reports false when the frame was dropped.
type Peer interface {
	ID() string
	Send(payload []byte) bool
	Live() bool
	Close(code int, reason string)
}
