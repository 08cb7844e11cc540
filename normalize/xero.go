package normalize

import (
	"strings"

	"github.com/goliatone/go-ledgersync/core"
)

func XeroTransaction(raw core.RawRecord) (core.NormalizedTransaction, error) {
	externalID, err := requiredText(raw, "BankTransactionID")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	txnDate, err := requiredDate(raw, "Date", "DateString")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	total, err := requiredAmount(raw, "Total")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	direction := core.DirectionCredit
	if strings.HasPrefix(strings.ToUpper(text(raw, "Type")), "SPEND") {
		direction = core.DirectionDebit
	}
	description := text(raw, "Reference")
	if lines, ok := raw["LineItems"].([]any); ok && len(lines) > 0 {
		if first, ok := lines[0].(map[string]any); ok {
			description = firstNonEmpty(text(first, "Description"), description)
		}
	}
	return core.NormalizedTransaction{
		ExternalID:      externalID,
		AccountID:       text(raw, "BankAccount.AccountID"),
		Direction:       direction,
		TransactionDate: txnDate,
		Amount:          signed(total, direction),
		Currency:        strings.ToUpper(text(raw, "CurrencyCode")),
		Description:     description,
		Reference:       text(raw, "Reference"),
		Counterparty:    text(raw, "Contact.Name"),
		Status:          text(raw, "Status"),
		SourceUpdatedAt: updatedAt(raw, "UpdatedDateUTC"),
	}, nil
}

func XeroInvoice(raw core.RawRecord) (core.NormalizedInvoice, error) {
	externalID, err := requiredText(raw, "InvoiceID")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	issued, err := requiredDate(raw, "DateString", "Date")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	due, err := date(raw, "DueDateString", "DueDate")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	total, err := requiredAmount(raw, "Total")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	amountDue, err := optionalAmount(raw, total, "AmountDue")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	invoiceType := core.InvoiceTypeBill
	if strings.HasPrefix(strings.ToUpper(text(raw, "Type")), "ACCREC") {
		invoiceType = core.InvoiceTypeSales
	}
	return core.NormalizedInvoice{
		ExternalID:      externalID,
		InvoiceType:     invoiceType,
		Number:          text(raw, "InvoiceNumber", "Reference"),
		Status:          text(raw, "Status"),
		IssueDate:       issued,
		DueDate:         due,
		Total:           total,
		AmountDue:       amountDue,
		Currency:        strings.ToUpper(text(raw, "CurrencyCode")),
		ContactID:       text(raw, "Contact.ContactID"),
		ContactName:     text(raw, "Contact.Name"),
		SourceUpdatedAt: updatedAt(raw, "UpdatedDateUTC"),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
