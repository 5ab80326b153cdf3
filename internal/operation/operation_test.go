package operation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	base := Fund{JobID: 1, ProviderAddress: "0xAbCd000000000000000000000000000000001234", Amount: "1.5"}

	same := []Operation{
		Fund{JobID: 1, ProviderAddress: "0xabcd000000000000000000000000000000001234", Amount: "1.50"},
		Fund{JobID: 1, ProviderAddress: " 0xAbCd000000000000000000000000000000001234 ", Amount: "1.5"},
	}
	for _, op := range same {
		assert.Equal(t, Fingerprint(base), Fingerprint(op), "%+v", op)
	}

	different := []Operation{
		Fund{JobID: 2, ProviderAddress: base.ProviderAddress, Amount: base.Amount},
		Fund{JobID: 1, ProviderAddress: "0xAbCd000000000000000000000000000000005678", Amount: base.Amount},
		Fund{JobID: 1, ProviderAddress: base.ProviderAddress, Amount: "9"},
		Release{JobID: 1},
	}
	for _, op := range different {
		assert.NotEqual(t, Fingerprint(base), Fingerprint(op), "%+v", op)
	}

	assert.Equal(t, Fingerprint(Release{JobID: 7}), Fingerprint(Release{JobID: 7}))
	assert.NotEqual(t, Fingerprint(Release{JobID: 7}), Fingerprint(Release{JobID: 8}))
}
