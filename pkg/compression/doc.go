// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP payload compression for AS4.

This package implements payload compression as specified in the OASIS AS4
Profile, which requires GZIP compression for applicable content types.

# Decompression

The receiving MSH inflates attachments whose PartInfo declares
CompressionType application/gzip:

	out, err := compression.NewCompressor().Decompress(compression.CompressionTypeGzip, data)
	if errors.Is(err, compression.ErrDecompression) {
	    // report EBMS:0303 DecompressionFailure
	}

The inflated size is bounded by MaxDecompressedSize.
*/
package compression
