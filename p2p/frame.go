package p2p

import (
	"rdfchain/types"
	"rdfchain/utils"

	"github.com/libp2p/go-msgio"
	"github.com/pkg/errors"
)

// Every frame on a request stream is a varint-length msgio message whose
// first byte says how the rest is encoded.
const (
	frameRaw byte = 0
	frameLZ4 byte = 1

	compressMin  = 256
	MaxFrameSize = 16 << 20
)

func writeMsg(w msgio.Writer, m types.Message, compress bool) error {
	data, err := types.Marshal(m)
	if err != nil {
		return err
	}
	flag := frameRaw
	if compress && len(data) >= compressMin {
		c, err := utils.Compress(data)
		if err != nil {
			return err
		}
		if len(c) < len(data) {
			data, flag = c, frameLZ4
		}
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, flag)
	frame = append(frame, data...)
	return w.WriteMsg(frame)
}

func readMsg(r msgio.Reader, m types.Message) error {
	frame, err := r.ReadMsg()
	if err != nil {
		return err
	}
	defer r.ReleaseMsg(frame)
	if len(frame) == 0 {
		return errors.Wrap(ErrProtocolViolation, "empty frame")
	}
	data := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameLZ4:
		data, err = utils.Uncompress(data, MaxFrameSize)
		if err != nil {
			return errors.Wrapf(ErrProtocolViolation, "lz4 frame: %v", err)
		}
	default:
		return errors.Wrapf(ErrProtocolViolation, "frame flag %d", frame[0])
	}
	if err := types.Unmarshal(data, m); err != nil {
		return errors.Wrapf(ErrProtocolViolation, "decode %T: %v", m, err)
	}
	return nil
}
