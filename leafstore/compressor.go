package leafstore

import (
	"fmt"

	"github.com/nxbroker/rangekv/compressors"
	"github.com/nxbroker/rangekv/core"
)

// GetCompressor returns a Compressor instance for the given compression type.
func GetCompressor(compressionType core.CompressionType) (core.Compressor, error) {
	switch compressionType {
	case core.CompressionNone:
		return &compressors.NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return &compressors.SnappyCompressor{}, nil
	case core.CompressionLZ4:
		return &compressors.LZ4Compressor{}, nil
	case core.CompressionZSTD:
		return compressors.NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", compressionType)
	}
}
