package normalize

import (
	"strings"

	"github.com/goliatone/go-ledgersync/core"
)

func SageTransaction(raw core.RawRecord) (core.NormalizedTransaction, error) {
	externalID, err := requiredText(raw, "id")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	txnDate, err := requiredDate(raw, "date")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	total, err := requiredAmount(raw, "total_amount")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	direction := core.DirectionCredit
	if strings.Contains(strings.ToUpper(text(raw, "transaction_type.id")), "PAYMENT") {
		direction = core.DirectionDebit
	}
	return core.NormalizedTransaction{
		ExternalID:      externalID,
		AccountID:       text(raw, "bank_account.id"),
		Direction:       direction,
		TransactionDate: txnDate,
		Amount:          signed(total, direction),
		Currency:        strings.ToUpper(text(raw, "currency.id")),
		Description:     text(raw, "description", "displayed_as", "reference"),
		Reference:       text(raw, "reference"),
		Counterparty:    text(raw, "contact.displayed_as", "contact_name"),
		Status:          text(raw, "transaction_type.id"),
		SourceUpdatedAt: updatedAt(raw, "updated_at"),
	}, nil
}

func SagePurchaseInvoice(raw core.RawRecord) (core.NormalizedInvoice, error) {
	externalID, err := requiredText(raw, "id")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	issued, err := requiredDate(raw, "date")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	due, err := date(raw, "due_date")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	total, err := requiredAmount(raw, "total_amount")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	outstanding, err := optionalAmount(raw, total, "outstanding_amount")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	return core.NormalizedInvoice{
		ExternalID:      externalID,
		InvoiceType:     core.InvoiceTypeBill,
		Number:          text(raw, "vendor_reference", "reference", "displayed_as"),
		Status:          text(raw, "status.id"),
		IssueDate:       issued,
		DueDate:         due,
		Total:           total,
		AmountDue:       outstanding,
		Currency:        strings.ToUpper(text(raw, "currency.id")),
		ContactID:       text(raw, "contact.id"),
		ContactName:     text(raw, "contact.displayed_as", "contact_name"),
		SourceUpdatedAt: updatedAt(raw, "updated_at"),
	}, nil
}
