package normalize

import (
	"strings"

	"github.com/goliatone/go-ledgersync/core"
)

// QuickBooksPurchase maps a Purchase. Purchases are money out of an account,
// so they are always debits.
func QuickBooksPurchase(raw core.RawRecord) (core.NormalizedTransaction, error) {
	externalID, err := requiredText(raw, "Id")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	txnDate, err := requiredDate(raw, "TxnDate")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	total, err := requiredAmount(raw, "TotalAmt")
	if err != nil {
		return core.NormalizedTransaction{}, err
	}
	return core.NormalizedTransaction{
		ExternalID:      externalID,
		AccountID:       text(raw, "AccountRef.value"),
		Direction:       core.DirectionDebit,
		TransactionDate: txnDate,
		Amount:          signed(total, core.DirectionDebit),
		Currency:        strings.ToUpper(text(raw, "CurrencyRef.value", "CurrencyRef.name")),
		Description:     text(raw, "PrivateNote", "PaymentType", "DocNumber"),
		Reference:       text(raw, "DocNumber"),
		Counterparty:    text(raw, "EntityRef.name"),
		Status:          text(raw, "PaymentType"),
		SourceUpdatedAt: updatedAt(raw, "MetaData.LastUpdatedTime"),
	}, nil
}

func QuickBooksBill(raw core.RawRecord) (core.NormalizedInvoice, error) {
	externalID, err := requiredText(raw, "Id")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	issued, err := requiredDate(raw, "TxnDate")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	due, err := date(raw, "DueDate")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	total, err := requiredAmount(raw, "TotalAmt")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	balance, err := optionalAmount(raw, total, "Balance")
	if err != nil {
		return core.NormalizedInvoice{}, err
	}
	status := "OPEN"
	if balance.IsZero() {
		status = "PAID"
	}
	return core.NormalizedInvoice{
		ExternalID:      externalID,
		InvoiceType:     core.InvoiceTypeBill,
		Number:          text(raw, "DocNumber", "PrivateNote"),
		Status:          status,
		IssueDate:       issued,
		DueDate:         due,
		Total:           total,
		AmountDue:       balance,
		Currency:        strings.ToUpper(text(raw, "CurrencyRef.value")),
		ContactID:       text(raw, "VendorRef.value"),
		ContactName:     text(raw, "VendorRef.name"),
		SourceUpdatedAt: updatedAt(raw, "MetaData.LastUpdatedTime"),
	}, nil
}
