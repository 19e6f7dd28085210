package recovery

import (
	"context"
	"fmt"
	"net"

	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/wire"
)

// AddressBook resolves a peer node ID to its recovery-channel dial address,
// grounded on the teacher's static seed-node address list (cfg peers)
// rather than a gossip-discovered one, since this module has no membership
// gossip of its own.
type AddressBook interface {
	RecoveryAddr(node gtid.NodeID) (string, error)
}

// TCPDialer implements Dialer over a plain TCP connection to the donor's
// recovery listener, sending the requesting node's own ID as a one-byte
// handshake so the donor knows which DonorSession to attach.
type TCPDialer struct {
	Self gtid.NodeID
	Book AddressBook
}

// Dial opens a recovery channel to donor and returns a StreamReader over
// it.
func (d *TCPDialer) Dial(ctx context.Context, donor gtid.NodeID) (*wire.StreamReader, error) {
	addr, err := d.Book.RecoveryAddr(donor)
	if err != nil {
		return nil, fmt.Errorf("recovery: resolve donor %d: %w", donor, err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("recovery: dial donor %d at %s: %w", donor, addr, err)
	}

	if _, err := conn.Write([]byte{byte(d.Self)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("recovery: handshake with donor %d: %w", donor, err)
	}

	sr, err := wire.NewStreamReader(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("recovery: stream setup with donor %d: %w", donor, err)
	}
	return sr, nil
}
