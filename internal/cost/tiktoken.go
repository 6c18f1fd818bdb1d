package cost

import (
	"github.com/pkoukk/tiktoken-go"
)

// TiktokenEstimator counts tokens with a real BPE encoding instead of the
// fixed byte ratio. Construction needs the encoding data; callers fall
// back to ByteEstimator when it is unavailable.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding, cl100k_base by default.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) EstimateTokens(data []byte) int64 {
	return int64(len(e.enc.Encode(string(data), nil, nil)))
}
