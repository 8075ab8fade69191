package ubifs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/anchore/go-lzo"
	"github.com/klauspost/compress/flate"
)

// Compression type identifiers stored in inode and data node headers.
const (
	ComprNone = 0
	ComprLZO  = 1
	ComprZlib = 2
)

// decompress expands data according to comprType, and verifies the result
// is exactly expectedLen bytes long — the contract its caller, the data
// node parser, relies on. Inode payloads (symlink targets, device numbers)
// are stored uncompressed and do not pass through here.
//
// The tool this reader is ported from passes the uncompressed length where
// zlib expects compressed bytes; that is a bug (see DESIGN.md), not a
// wire-format requirement, and is not reproduced here: compressed bytes
// always go in, and the inflated length is what gets checked.
func decompress(data []byte, expectedLen int, comprType uint8) ([]byte, error) {
	switch comprType {
	case ComprNone:
		if len(data) != expectedLen {
			return nil, fmt.Errorf("uncompressed payload: got %d bytes, want %d", len(data), expectedLen)
		}
		return data, nil

	case ComprLZO:
		out, err := lzo.Decompress1X(bytes.NewReader(data), len(data), expectedLen)
		if err != nil {
			return nil, fmt.Errorf("lzo decompress: %v", err)
		}
		if len(out) != expectedLen {
			return nil, fmt.Errorf("lzo payload: got %d bytes, want %d", len(out), expectedLen)
		}
		return out, nil

	case ComprZlib:
		zr := flate.NewReader(bytes.NewReader(data))
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("inflate: %v", err)
		}
		if len(out) != expectedLen {
			return nil, fmt.Errorf("inflated payload: got %d bytes, want %d", len(out), expectedLen)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown compression type %d", comprType)
	}
}
