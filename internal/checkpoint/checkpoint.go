// Package checkpoint implements the bit-exact checkpoint codec (spec §6
// "Checkpoint file format"). The format is dictated field-by-field down to
// byte order, so this is the one place in the module that reaches for
// encoding/binary directly instead of a library codec: no third-party
// serializer in the retrieved examples speaks a custom fixed-layout wire
// format without its own framing opinions, and introducing one here would
// fight the spec's explicit byte layout rather than express it.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kelpline/blockrt/internal/block"
)

// Magic is the checkpoint file's leading sentinel (spec §6 "Magic u32 =
// 0xAG1MCPK0 or equivalent sentinel" — not valid hex as written, so this
// codec picks a concrete, valid 32-bit sentinel for "AGENT CKPT 0").
const Magic uint32 = 0xA6E74C30

// Version is the current checkpoint format version this codec writes and
// the highest version it accepts on read (spec §6 "Readers reject... version
// greater than known").
const Version uint32 = 1

// Checkpoint is the decoded form of one checkpoint record (spec §6's field
// list, in wire order).
type Checkpoint struct {
	TimestampMs       uint64
	CheckpointID      uint64
	OriginalPid       block.Pid
	Name              string
	Globals           []byte
	Links             []block.Pid
	Parent            block.Pid
	Capabilities      uint32
	Reductions        uint64
	MessagesSent      uint64
	MessagesReceived  uint64
	MailboxCount      uint32
}

// FromBlock captures the subset of a live Block's state the format records
// (spec §6: pid, name, capabilities, counters, links, parent, mailbox
// count). Globals are supplied separately since the core treats a block's
// heap contents as VM-opaque; callers that want globals captured pass the
// VM's own serialized form.
func FromBlock(blk *block.Block, checkpointID uint64, timestampMs uint64, globals []byte) Checkpoint {
	linked := blk.Linked()
	return Checkpoint{
		TimestampMs:      timestampMs,
		CheckpointID:     checkpointID,
		OriginalPid:      blk.Pid(),
		Name:             blk.Name(),
		Globals:          globals,
		Links:            linked,
		Parent:           blk.Parent(),
		Capabilities:     uint32(blk.Capabilities()),
		Reductions:       uint64(blk.Counters().Reductions.Load()),
		MessagesSent:     uint64(blk.Counters().MessagesSent.Load()),
		MessagesReceived: uint64(blk.Counters().MessagesReceived.Load()),
		MailboxCount:     uint32(blk.Mailbox().Count()),
	}
}

// Encode writes c's bit-exact wire form: big-endian byte order throughout
// (the spec's "little-endian within fields but big-endian byte order on the
// wire" describes standard multi-byte big-endian encoding, which is what
// binary.BigEndian already is — there is no field narrower than the values
// it carries for an internal byte order to apply to).
func Encode(w io.Writer, c Checkpoint) error {
	var buf bytes.Buffer
	write := func(v any) error { return binary.Write(&buf, binary.BigEndian, v) }

	if err := write(Magic); err != nil {
		return err
	}
	if err := write(Version); err != nil {
		return err
	}
	if err := write(c.TimestampMs); err != nil {
		return err
	}
	if err := write(c.CheckpointID); err != nil {
		return err
	}
	if err := write(uint64(c.OriginalPid)); err != nil {
		return err
	}
	if err := writeLenPrefixed(&buf, []byte(c.Name)); err != nil {
		return err
	}
	if err := writeLenPrefixed(&buf, c.Globals); err != nil {
		return err
	}
	if err := write(uint32(len(c.Links))); err != nil {
		return err
	}
	for _, pid := range c.Links {
		if err := write(uint64(pid)); err != nil {
			return err
		}
	}
	if err := write(uint64(c.Parent)); err != nil {
		return err
	}
	if err := write(c.Capabilities); err != nil {
		return err
	}
	if err := write(c.Reductions); err != nil {
		return err
	}
	if err := write(c.MessagesSent); err != nil {
		return err
	}
	if err := write(c.MessagesReceived); err != nil {
		return err
	}
	if err := write(c.MailboxCount); err != nil {
		return err
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := buf.Write(data)
	return err
}

// Decode reads a checkpoint written by Encode, rejecting a magic mismatch or
// an unknown version (spec §6 "Readers reject magic mismatch or version
// greater than known"; spec §7 "Corrupt data (checkpoint): Load returns
// null" — Decode's Go equivalent of "null" is a non-nil error).
func Decode(r io.Reader) (Checkpoint, error) {
	var c Checkpoint

	var magic, version uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return c, fmt.Errorf("checkpoint: read magic: %w", err)
	}
	if magic != Magic {
		return c, fmt.Errorf("checkpoint: magic mismatch: got %#x, want %#x", magic, Magic)
	}
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return c, fmt.Errorf("checkpoint: read version: %w", err)
	}
	if version > Version {
		return c, fmt.Errorf("checkpoint: version %d newer than known version %d", version, Version)
	}

	if err := binary.Read(r, binary.BigEndian, &c.TimestampMs); err != nil {
		return c, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.CheckpointID); err != nil {
		return c, err
	}
	var origPid uint64
	if err := binary.Read(r, binary.BigEndian, &origPid); err != nil {
		return c, err
	}
	c.OriginalPid = block.Pid(origPid)

	name, err := readLenPrefixed(r)
	if err != nil {
		return c, err
	}
	c.Name = string(name)

	c.Globals, err = readLenPrefixed(r)
	if err != nil {
		return c, err
	}

	var linkCount uint32
	if err := binary.Read(r, binary.BigEndian, &linkCount); err != nil {
		return c, err
	}
	c.Links = make([]block.Pid, linkCount)
	for i := range c.Links {
		var pid uint64
		if err := binary.Read(r, binary.BigEndian, &pid); err != nil {
			return c, err
		}
		c.Links[i] = block.Pid(pid)
	}

	var parent uint64
	if err := binary.Read(r, binary.BigEndian, &parent); err != nil {
		return c, err
	}
	c.Parent = block.Pid(parent)

	if err := binary.Read(r, binary.BigEndian, &c.Capabilities); err != nil {
		return c, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.Reductions); err != nil {
		return c, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.MessagesSent); err != nil {
		return c, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.MessagesReceived); err != nil {
		return c, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.MailboxCount); err != nil {
		return c, err
	}

	return c, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
