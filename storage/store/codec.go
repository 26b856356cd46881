package store

import (
	"encoding/json"

	"github.com/cuemby/strata/storage/jmt"
)

// encodeNode and DecodeNode marshal a jmt.Node the way the rest of this
// codebase persists structured records: JSON, matching pkg/storage's
// json.Marshal/json.Unmarshal convention for every bucket value.
func encodeNode(n *jmt.Node) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNode is exported for storage/snapshot's pinned-transaction node
// reader, which needs the same codec outside this package.
func DecodeNode(b []byte) (*jmt.Node, error) {
	var n jmt.Node
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
