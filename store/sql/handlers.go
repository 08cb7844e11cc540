package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// keyedRecord is a row model whose primary key is a uuid kept as text.
type keyedRecord[T any] interface {
	*T
	primaryKey() *string
}

func (r *credentialRecord) primaryKey() *string  { return &r.ID }
func (r *syncRunRecord) primaryKey() *string     { return &r.ID }
func (r *transactionRecord) primaryKey() *string { return &r.ID }
func (r *invoiceRecord) primaryKey() *string     { return &r.ID }

// modelHandlers wires a keyed row model into go-repository-bun.
func modelHandlers[T any, P keyedRecord[T]]() repository.ModelHandlers[P] {
	return repository.ModelHandlers[P]{
		NewRecord: func() P { return P(new(T)) },
		GetID: func(record P) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			parsed, err := uuid.Parse(strings.TrimSpace(*record.primaryKey()))
			if err != nil {
				return uuid.Nil
			}
			return parsed
		},
		SetID: func(record P, id uuid.UUID) {
			if record != nil {
				*record.primaryKey() = id.String()
			}
		},
		GetIdentifier: func() string { return "id" },
		GetIdentifierValue: func(record P) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(*record.primaryKey())
		},
	}
}
