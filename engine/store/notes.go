package store

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var notesPrinter = message.NewPrinter(language.English)

// CompletionNotes renders the canonical order summary written at
// finalization, e.g. "Delivered: 15,000 | Failed: 0" or
// "Delivered: 14,500 | Failed: 500 (PARTIAL) | Refunded: $5.00".
func CompletionNotes(delivered, failedPermanent int, refund decimal.Decimal) string {
	if failedPermanent == 0 {
		return notesPrinter.Sprintf("Delivered: %d | Failed: 0", delivered)
	}
	return notesPrinter.Sprintf("Delivered: %d | Failed: %d (PARTIAL) | Refunded: $%s",
		delivered, failedPermanent, refund.StringFixed(2))
}

// CancellationNotes renders the summary written when an operator cancels an
// order mid-flight.
func CancellationNotes(delivered, failedPermanent int, refund decimal.Decimal) string {
	return notesPrinter.Sprintf("Cancelled by operator | Delivered: %d | Failed: %d | Refunded: $%s",
		delivered, failedPermanent, refund.StringFixed(2))
}
