package normalize

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/goliatone/go-ledgersync/core"
)

// FreeAgentTransaction maps a bank transaction. FreeAgent amounts are already
// signed and records are identified by their API url.
func FreeAgentTransaction(raw core.RawRecord) (core.NormalizedTransaction, error) {
	externalID, err := requiredText(raw, "url", "id")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	txnDate, err := requiredDate(raw, "dated_on", "date")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	value, err := requiredAmount(raw, "amount", "gross_value")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	unexplained, err := optionalAmount(raw, decimal.Zero, "unexplained_amount")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	status := "explained"
	if !unexplained.IsZero() {
		status = "unexplained"
	}
	return core.NormalizedTransaction{
		ExternalID:      externalID,
		AccountID:       text(raw, "bank_account"),
		Direction:       directionOf(value),
		TransactionDate: txnDate,
		Amount:          value,
		Currency:        strings.ToUpper(text(raw, "currency")),
		Description:     text(raw, "description", "explanation"),
		Reference:       text(raw, "reference"),
		Status:          status,
		SourceUpdatedAt: updatedAt(raw, "updated_at"),
	}, nil
}

func FreeAgentBill(raw core.RawRecord) (core.NormalizedInvoice, error) {
	externalID, err := requiredText(raw, "url", "id")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	issued, err := requiredDate(raw, "dated_on")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	due, err := date(raw, "due_on")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	total, err := requiredAmount(raw, "total_value")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	dueValue, err := optionalAmount(raw, total, "due_value")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	return core.NormalizedInvoice{
		ExternalID:      externalID,
		InvoiceType:     core.InvoiceTypeBill,
		Number:          text(raw, "reference"),
		Status:          text(raw, "status"),
		IssueDate:       issued,
		DueDate:         due,
		Total:           total,
		AmountDue:       dueValue,
		Currency:        strings.ToUpper(text(raw, "currency")),
		ContactID:       text(raw, "contact"),
		ContactName:     text(raw, "contact_name"),
		SourceUpdatedAt: updatedAt(raw, "updated_at"),
	}, nil
}
