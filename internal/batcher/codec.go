package batcher

import "encoding/json"

// encodeVector and decodeVector implement the cache wire format: a
// self-describing textual encoding of a number list (SPEC_FULL.md §6.2),
// matching the reference's json.dumps(vec) / json.loads(x).

func encodeVector(v []float32) ([]byte, error) {
	return json.Marshal(v)
}

func decodeVector(raw []byte) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
