package dbtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkAddr(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid IPv4 CIDR", input: "192.168.1.0/24", wantErr: false},
		{name: "valid IPv6 CIDR", input: "2001:db8::/32", wantErr: false},
		{name: "invalid CIDR", input: "not-a-cidr", wantErr: true},
		{name: "IP without mask", input: "192.168.1.1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var addr NetworkAddr

			err := addr.Scan(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.input, addr.String())

			value, err := addr.Value()
			require.NoError(t, err)
			assert.Equal(t, tt.input, value)

			var addr2 NetworkAddr
			err = addr2.Scan([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, addr.String(), addr2.String())
		})
	}
}

func TestNetworkAddrEdgeCases(t *testing.T) {
	var addr NetworkAddr

	assert.NoError(t, addr.Scan(nil))

	value, err := addr.Value()
	assert.NoError(t, err)
	assert.Nil(t, value)

	err = addr.Scan(123)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cannot scan")
}

func TestIPAddr(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid IPv4", input: "192.168.1.100", wantErr: false},
		{name: "valid IPv6", input: "2001:db8::1", wantErr: false},
		{name: "invalid IP", input: "not-an-ip", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var addr IPAddr
			err := addr.Scan(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, addr.String())

			value, err := addr.Value()
			require.NoError(t, err)
			assert.Equal(t, tt.input, value)
		})
	}
}

func TestIPAddrNilHandling(t *testing.T) {
	var addr IPAddr
	assert.NoError(t, addr.Scan(nil))

	value, err := addr.Value()
	assert.NoError(t, err)
	assert.Nil(t, value)
	assert.Equal(t, "", addr.String())
}

func TestMACAddr(t *testing.T) {
	var mac MACAddr
	err := mac.Scan("00:1a:2b:3c:4d:5e")
	require.NoError(t, err)
	assert.Equal(t, "00:1a:2b:3c:4d:5e", mac.String())
	assert.False(t, mac.IsZero())

	value, err := mac.Value()
	require.NoError(t, err)
	assert.Equal(t, "00:1a:2b:3c:4d:5e", value)

	var unset MACAddr
	assert.True(t, unset.IsZero())

	err = mac.Scan("not-a-mac")
	assert.Error(t, err)
}

func TestJSONB(t *testing.T) {
	var j JSONB
	err := j.Scan([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, j.String())

	value, err := j.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), value)

	var jNil JSONB
	err = jNil.Scan(nil)
	require.NoError(t, err)
	v, err := jNil.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	b, err := jNil.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	err = jNil.Scan(123)
	assert.Error(t, err)
}
