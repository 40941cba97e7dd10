package messages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProviderListHeader_ContainsCount(t *testing.T) {
	got := ProviderListHeader(3)
	assert.Contains(t, got, "3")
}

func TestProviderLine_ContainsNameAndRating(t *testing.T) {
	got := ProviderLine(1, "Ana", 4.8)
	assert.Contains(t, got, "Ana")
	assert.Contains(t, got, "4.8")
	assert.Contains(t, got, "1.")
}

func TestProviderDetail_ContainsFields(t *testing.T) {
	got := ProviderDetail("Ana", "plomero", 5, 4.8)
	assert.Contains(t, got, "Ana")
	assert.Contains(t, got, "plomero")
	assert.Contains(t, got, "5 años")
}

func TestBanMessage_FormatsLocalHour(t *testing.T) {
	expires := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	got := BanMessage(expires)
	assert.Contains(t, got, "15:30")
}
