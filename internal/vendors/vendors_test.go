package vendors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceBargainer/internal/model"
)

const sample = `
trip:
  trip_id: trip_goa
  destination: Goa
  market_rate: 2800
  budget_max: 3000
  party_size: 2
  requirements:
    - sea view room
vendors:
  - name: " Goa Beachfront Resort "
    phone: "+91 98765 43210"
    category: Homestay
    gender: male
  - name: Anjuna Cafe
    phone: "+919812345678"
    category: restaurant
`

// TestLoad 测试读取商家文件
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "trip_goa", f.Trip.TripID)
	assert.Equal(t, int64(3000), f.Trip.BudgetMax)
	assert.Equal(t, []string{"sea view room"}, f.Trip.Requirements)
	require.Len(t, f.Vendors, 2)
	assert.Equal(t, model.Vendor{Name: "Goa Beachfront Resort", Phone: "+919876543210", Category: "homestay", Gender: "male"}, f.Vendors[0])
	assert.Empty(t, f.Vendors[1].Gender)
}

// TestParseRejectsUnknownFields 测试拼写错误的字段被拒绝
func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("trip:\n  destinaton: Goa\nvendors: []\n"))
	assert.ErrorIs(t, err, ErrInvalidFile)
}

// TestParseValidation 测试必填字段
func TestParseValidation(t *testing.T) {
	_, err := Parse([]byte("trip:\n  destination: Goa\n"))
	assert.ErrorIs(t, err, ErrInvalidFile)

	_, err = Parse([]byte(`
trip: {destination: Goa, market_rate: 2800, budget_max: 3000, party_size: 2}
vendors:
  - {name: "", phone: "98765", category: hotel}
  - {name: NoCategory, phone: "+919800000000"}
`))
	require.ErrorIs(t, err, ErrInvalidFile)
	assert.Contains(t, err.Error(), "vendors[0]: missing name")
	assert.Contains(t, err.Error(), "not E.164")
	assert.Contains(t, err.Error(), "vendors[1]")
	assert.Contains(t, err.Error(), "vendor_type")
}

// TestMarshalRoundTrip 测试写回的文件可以再次读取
func TestMarshalRoundTrip(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	raw, err := f.Marshal()
	require.NoError(t, err)
	again, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, f, again)
}

// TestLoadMissingFile 测试文件不存在
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
