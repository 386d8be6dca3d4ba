package journal

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version constants for the bookmark format.
const (
	// FormatVersion is the journal layout version stored in the header.
	FormatVersion = 1

	// ProducerVersion identifies the writer that created the journal.
	ProducerVersion = "0.1.0"
)

// HeaderID is the reserved ID of the header block.
const HeaderID ID = 0

// nameWidth is the zero-padded width of block names.
const nameWidth = 10

// header is the JSON content of block 0.
type header struct {
	FormatVersion   int    `json:"format_version"`
	ProducerVersion string `json:"producer_version"`
}

func encodeHeader(producer string) ([]byte, error) {
	data, err := json.Marshal(header{
		FormatVersion:   FormatVersion,
		ProducerVersion: producer,
	})
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return data, nil
}

// decodeHeader parses and validates block 0.
func decodeHeader(data []byte) (header, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return header{}, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	if h.FormatVersion != FormatVersion {
		return header{}, fmt.Errorf("%w: format version %d, expected %d",
			ErrCorruptHeader, h.FormatVersion, FormatVersion)
	}
	return h, nil
}

// blockName encodes id as the fixed-width blob block name.
func blockName(id ID) string {
	return fmt.Sprintf("%0*d", nameWidth, id)
}

// parseBlockName is the inverse of blockName.
func parseBlockName(name string) (ID, error) {
	if len(name) != nameWidth {
		return 0, fmt.Errorf("%w: block name %q", ErrCorruptBlockList, name)
	}
	n, err := strconv.ParseInt(name, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: block name %q", ErrCorruptBlockList, name)
	}
	return ID(n), nil
}
