package hypstar

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

const (
	packetHeaderSize    = 4 // packet number + total packet count
	firmwareDoneTimeout = 5 * time.Second
)

// crcExemptDatasets lists downloads whose trailing dataset CRC is not
// checked. Firmware up to at least 0.15 does not append one to GET_SLOTS.
var crcExemptDatasets = map[protocol.Command]bool{
	protocol.GetSlots: true,
}

// fetchDataset downloads a packetized dataset. A u16 packet counter is
// appended to params and incremented until the instrument's total packet
// count is reached. The reassembled bytes, trailing CRC included, are
// returned only if that CRC matches.
func (d *Driver) fetchDataset(cmd protocol.Command, params []byte) ([]byte, error) {
	req := make([]byte, len(params)+2)
	copy(req, params)
	counter := req[len(params):]

	var data []byte
	for n, total := 0, 1; n < total; n++ {
		binary.LittleEndian.PutUint16(counter, uint16(n))
		f, err := d.request(cmd, req)
		if err != nil {
			return nil, err
		}
		if len(f.Payload) < packetHeaderSize {
			return nil, &protocol.Error{Kind: protocol.MalformedFrame, Command: f.ID,
				Received: len(f.Payload), Expected: packetHeaderSize, Err: protocol.ErrTooShort}
		}
		pkt := int(binary.LittleEndian.Uint16(f.Payload[0:2]))
		total = int(binary.LittleEndian.Uint16(f.Payload[2:4]))
		if pkt != n {
			return nil, &protocol.Error{Kind: protocol.MalformedFrame, Command: f.ID, Received: pkt, Expected: n,
				Err: fmt.Errorf("%w: packet %d of %d", protocol.ErrUnexpectedReply, pkt+1, total)}
		}
		data = append(data, f.Payload[packetHeaderSize:]...)
		d.log.Debugf("%s: packet %d/%d, %d bytes", cmd, n+1, total, len(f.Payload)-packetHeaderSize)
	}

	if crcExemptDatasets[cmd] {
		return data, nil
	}
	got, want, ok := protocol.VerifyDataset(data)
	if !ok {
		d.metrics.datasetCRC(cmd)
		d.log.Errorf("%s: dataset CRC mismatch (got 0x%08X, want 0x%08X, %d bytes)", cmd, got, want, len(data))
		return nil, &protocol.Error{Kind: protocol.DatasetCrcMismatch, Command: cmd,
			Received: int(got), Expected: int(want)}
	}
	return data, nil
}

// splitPackets cuts data into upload chunks, each prefixed with its packet
// number and the total packet count.
func splitPackets(data []byte) [][]byte {
	total := (len(data) + protocol.PacketDataSize - 1) / protocol.PacketDataSize
	packets := make([][]byte, 0, total)
	for n := 0; n < total; n++ {
		start := n * protocol.PacketDataSize
		end := min(start+protocol.PacketDataSize, len(data))
		p := make([]byte, packetHeaderSize, packetHeaderSize+end-start)
		binary.LittleEndian.PutUint16(p[0:2], uint16(n))
		binary.LittleEndian.PutUint16(p[2:4], uint16(total))
		packets = append(packets, append(p, data[start:end]...))
	}
	return packets
}

// sendDataset uploads data in packets. Each packet must be acknowledged,
// except the last FW_DATA packet, which the instrument answers with DONE
// once the whole image is verified.
func (d *Driver) sendDataset(cmd protocol.Command, data []byte) error {
	packets := splitPackets(data)
	for n, p := range packets {
		d.log.Debugf("%s: sending packet %d/%d (%d bytes)", cmd, n+1, len(packets), len(p)-packetHeaderSize)
		var err error
		if cmd == protocol.FWData && n == len(packets)-1 {
			_, err = d.sendAndAwaitDone(cmd, p, firmwareDoneTimeout)
		} else {
			err = d.sendAndAwaitAck(cmd, p)
		}
		if err != nil {
			return fmt.Errorf("hypstar: %s packet %d/%d: %w", cmd, n+1, len(packets), err)
		}
	}
	return nil
}
