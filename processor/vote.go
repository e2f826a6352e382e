package processor

import (
	"fmt"

	kyber "github.com/drand/kyber"
	json "github.com/nikkolasg/hexjson"

	"github.com/veilbet/veilbet/pre"
)

// SealVote is the voter-side counterpart of ProcessVote: it seals a vote
// record under a fresh one-time key and threshold-encrypts that key to the
// master public key. The one-time key is zeroed before returning; only the
// fragment holders can collectively make it recoverable again.
func SealVote(masterPub kyber.Point, marketID string, v *Vote) (encryptedVote []byte, capsule *pre.Capsule, keyCt *pre.KeyCiphertext, err error) {
	if v.Schema == 0 {
		v.Schema = VoteSchema
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding vote: %w", err)
	}

	voteKey, err := newOneTimeKey()
	if err != nil {
		return nil, nil, nil, err
	}
	defer zero(voteKey)

	encryptedVote, err = seal(voteKey, plain, []byte(marketID))
	if err != nil {
		return nil, nil, nil, err
	}
	capsule, keyCt = pre.EncryptKey(masterPub, voteKey)
	return encryptedVote, capsule, keyCt, nil
}
