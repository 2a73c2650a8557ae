package integrity

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// chainDigest hashes rec together with the digest of the record before it.
func chainDigest(prev string, rec ViolationRecord) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{
		prev,
		strconv.Itoa(rec.Seq),
		rec.Time.UTC().Format(time.RFC3339Nano),
		rec.Kind,
		rec.Description,
		rec.BehaviorSnapshot,
		strconv.Itoa(rec.ChancesRemaining),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks that records form an unbroken digest chain. prev is
// the digest preceding the first record ("" when records starts at Seq 1).
func VerifyChain(prev string, records []ViolationRecord) error {
	for i, rec := range records {
		if i > 0 && rec.Seq != records[i-1].Seq+1 {
			return fmt.Errorf("record %d: sequence gap after %d", rec.Seq, records[i-1].Seq)
		}
		want := chainDigest(prev, rec)
		if rec.Digest != want {
			return fmt.Errorf("record %d: digest mismatch", rec.Seq)
		}
		prev = rec.Digest
	}
	return nil
}
