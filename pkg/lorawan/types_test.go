package lorawan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEUI64(t *testing.T) {
	want := EUI64{0x00, 0x16, 0xC0, 0x01, 0xFF, 0xFE, 0x00, 0x01}

	for _, in := range []string{"0016c001fffe0001", "00-16-C0-01-FF-FE-00-01", "00:16:c0:01:ff:fe:00:01"} {
		got, err := ParseEUI64(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseEUI64("0016c001")
	assert.Error(t, err)

	_, err = ParseEUI64("zz16c001fffe0001")
	assert.Error(t, err)
}

func TestEUI64Formats(t *testing.T) {
	eui := EUI64{0x00, 0x16, 0xC0, 0x01, 0xFF, 0xFE, 0x00, 0x01}

	assert.Equal(t, "0016c001fffe0001", eui.String())
	assert.Equal(t, "00-16-c0-01-ff-fe-00-01", eui.Dashed())
	assert.False(t, eui.IsZero())
	assert.True(t, EUI64{}.IsZero())

	data, err := json.Marshal(eui)
	require.NoError(t, err)
	assert.Equal(t, `"0016c001fffe0001"`, string(data))

	var back EUI64
	require.NoError(t, json.Unmarshal([]byte(`"00-16-C0-01-FF-FE-00-01"`), &back))
	assert.Equal(t, eui, back)
}
