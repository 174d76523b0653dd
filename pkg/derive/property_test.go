package derive

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: ClassID(p, w) == ClassID(p, w) for any valid p, w.
func TestClassIDDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("class id derivation is deterministic", prop.ForAll(
		func(project string, startOffset, length int64) bool {
			if project == "" {
				return true
			}
			w := Window{
				Start: base.Add(time.Duration(startOffset) * time.Second),
				End:   base.Add(time.Duration(startOffset+length) * time.Second),
			}
			a, errA := ClassID(project, w, 0)
			b, errB := ClassID(project, w, 0)
			if errA != nil || errB != nil {
				return false
			}
			return a == b && ValidClassID(a)
		},
		gen.AlphaString(),
		gen.Int64Range(0, 20*365*24*3600),
		gen.Int64Range(1, 9*365*24*3600),
	))

	properties.TestingRun(t)
}

// Property: AggregateEvidence is a function of the ordered content only.
func TestAggregateEvidenceDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregate is deterministic", prop.ForAll(
		func(seeds []uint64) bool {
			hashes := make([]common.Hash, len(seeds))
			for i, s := range seeds {
				hashes[i] = common.BigToHash(new(big.Int).SetUint64(s))
			}
			copyOf := append([]common.Hash(nil), hashes...)
			return AggregateEvidence(hashes) == AggregateEvidence(copyOf)
		},
		gen.SliceOf(gen.UInt64()),
	))

	properties.TestingRun(t)
}
