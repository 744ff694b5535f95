package partition

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ErrCorrupt is returned when a blob cannot be decoded into a partition.
var ErrCorrupt = errors.New("corrupt partition blob")

// Codec identifies the compression applied to the JSON payload. It is
// written as the first byte of every blob so that readers do not depend on
// the writer's configuration.
type Codec byte

const (
	CodecSnappy Codec = 's'
	CodecZstd   Codec = 'z'
)

func (c Codec) String() string {
	switch c {
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// ParseCodec maps a configuration name to a Codec. The empty string selects
// snappy.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown partition codec %q", name)
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

type wireFormat struct {
	PartitionMap map[string]*TokenEntry `json:"partitionMap"`
	Size         int                    `json:"size"`
	StartToken   string                 `json:"startToken"`
	EndToken     string                 `json:"endToken"`
}

// Encode serialises the partition and compresses it with c. Tokens and
// document IDs must be valid UTF-8, which the JSON body cannot otherwise
// carry unchanged.
func (p *Partition) Encode(c Codec) ([]byte, error) {
	if err := p.checkUTF8(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(wireFormat{
		PartitionMap: p.entries,
		Size:         p.size,
		StartToken:   p.startToken,
		EndToken:     p.endToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling partition: %w", err)
	}

	var body []byte
	switch c {
	case CodecSnappy:
		body = snappy.Encode(nil, payload)
	case CodecZstd:
		body = zstdEncoder.EncodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("encoding partition: unknown codec %v", c)
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(c))
	return append(out, body...), nil
}

// Decode reverses Encode, detecting the codec from the header byte.
func Decode(data []byte) (*Partition, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty blob", ErrCorrupt)
	}

	var (
		payload []byte
		err     error
	)
	switch Codec(data[0]) {
	case CodecSnappy:
		payload, err = snappy.Decode(nil, data[1:])
	case CodecZstd:
		payload, err = zstdDecoder.DecodeAll(data[1:], nil)
	default:
		return nil, fmt.Errorf("%w: unknown codec header 0x%02x", ErrCorrupt, data[0])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing: %v", ErrCorrupt, err)
	}

	var wire wireFormat
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for token, entry := range wire.PartitionMap {
		if entry == nil {
			return nil, fmt.Errorf("%w: null entry for token %q", ErrCorrupt, token)
		}
	}
	if wire.PartitionMap == nil {
		wire.PartitionMap = make(map[string]*TokenEntry)
	}
	return &Partition{
		entries:    wire.PartitionMap,
		size:       wire.Size,
		startToken: wire.StartToken,
		endToken:   wire.EndToken,
	}, nil
}

func (p *Partition) checkUTF8() error {
	for token, entry := range p.entries {
		if !utf8.ValidString(token) {
			return fmt.Errorf("%w: token %q is not valid UTF-8", ErrCorrupt, token)
		}
		for _, occ := range entry.DocumentOccurrences {
			if !utf8.ValidString(occ.DocumentID) {
				return fmt.Errorf("%w: document ID %q is not valid UTF-8", ErrCorrupt, occ.DocumentID)
			}
		}
	}
	return nil
}
