// Package wire implements the ivshmem client/server wire format: a
// stream of 8-byte signed little-endian integers, each optionally
// accompanied by a single file descriptor carried in SCM_RIGHTS
// ancillary data. One fd per message is a deliberate choice that
// matches the reference QEMU implementation.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/zvolchak/FAME-Z/internal/broker/errs"
)

// NoFD marks a message that carries no file descriptor.
const NoFD = -1

// Send writes one 8-byte little-endian value, optionally with fd
// attached as SCM_RIGHTS ancillary data.
func Send(conn *net.UnixConn, value int64, fd int) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))

	var oob []byte
	if fd != NoFD {
		oob = unix.UnixRights(fd)
	}

	n, oobn, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("%w: sendmsg: %v", errs.ErrHandshake, err)
	}
	if n != len(buf) || oobn != len(oob) {
		return fmt.Errorf("%w: short sendmsg (%d/%d data, %d/%d oob)", errs.ErrHandshake, n, len(buf), oobn, len(oob))
	}
	return nil
}

// Recv reads one message: an 8-byte little-endian value and, if present,
// a single fd extracted from SCM_RIGHTS ancillary data (NoFD otherwise).
func Recv(conn *net.UnixConn) (value int64, fd int, err error) {
	buf := make([]byte, 8)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, NoFD, fmt.Errorf("%w: recvmsg: %v", errs.ErrPeerLost, err)
	}
	if n != 8 {
		return 0, NoFD, fmt.Errorf("%w: expected 8-byte message, got %d", errs.ErrHandshake, n)
	}
	value = int64(binary.LittleEndian.Uint64(buf))

	fd = NoFD
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return 0, NoFD, fmt.Errorf("%w: parsing ancillary data: %v", errs.ErrHandshake, err)
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			if len(fds) > 0 {
				fd = fds[0]
			}
		}
	}
	return value, fd, nil
}
