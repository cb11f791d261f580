package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
)

// gzipMarker prefixes a compressed payload so the reader can tell it
// apart from a plain JSON document without a side-channel flag
// (spec.md §4.6).
const gzipMarker = "gzip:"

// serialize encodes value as JSON and, if the result exceeds threshold
// bytes, gzips it — but only keeps the compressed form when it beats
// 80% of the original size, matching the original SmartCache's
// compression_ratio < 0.8 rule.
func serialize(value any, threshold int) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 || len(data) <= threshold {
		return data, nil
	}

	var buf bytes.Buffer
	buf.WriteString(gzipMarker)
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}

	compressed := buf.Bytes()
	if float64(len(compressed))/float64(len(data)) < 0.8 {
		return compressed, nil
	}
	return data, nil
}

// deserialize reverses serialize, transparently decompressing a
// gzip-marked payload first.
func deserialize(data []byte) (any, error) {
	if bytes.HasPrefix(data, []byte(gzipMarker)) {
		gr, err := gzip.NewReader(bytes.NewReader(data[len(gzipMarker):]))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		raw, err := io.ReadAll(gr)
		if err != nil {
			return nil, err
		}
		data = raw
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}
