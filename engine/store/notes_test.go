package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

// TestCompletionNotes tests the rendered order summaries
func TestCompletionNotes(t *testing.T) {
	tests := []struct {
		name      string
		delivered int
		failed    int
		refund    string
		want      string
	}{
		{
			name:      "clean completion",
			delivered: 15000,
			failed:    0,
			refund:    "0",
			want:      "Delivered: 15,000 | Failed: 0",
		},
		{
			name:      "partial with refund",
			delivered: 14500,
			failed:    500,
			refund:    "0.1",
			want:      "Delivered: 14,500 | Failed: 500 (PARTIAL) | Refunded: $0.10",
		},
		{
			name:      "nothing delivered",
			delivered: 0,
			failed:    2000,
			refund:    "0.4",
			want:      "Delivered: 0 | Failed: 2,000 (PARTIAL) | Refunded: $0.40",
		},
		{
			name:      "large counts grouped",
			delivered: 1250000,
			failed:    31500,
			refund:    "6.3",
			want:      "Delivered: 1,250,000 | Failed: 31,500 (PARTIAL) | Refunded: $6.30",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompletionNotes(tt.delivered, tt.failed, decimal.RequireFromString(tt.refund))
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestCancellationNotes tests the operator-cancel summary
func TestCancellationNotes(t *testing.T) {
	got := CancellationNotes(100, 0, decimal.RequireFromString("2.5"))
	assert.Equal(t, "Cancelled by operator | Delivered: 100 | Failed: 0 | Refunded: $2.50", got)

	got = CancellationNotes(10500, 4500, decimal.RequireFromString("0.9"))
	assert.Equal(t, "Cancelled by operator | Delivered: 10,500 | Failed: 4,500 | Refunded: $0.90", got)
}
